//go:build linux

package hostdisplay

import (
	"fmt"
	"image"
	"os/exec"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
)

// ScreenSize returns the size of the default X11 screen.
func ScreenSize() (image.Point, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return image.Point{}, fmt.Errorf("%w: %v", ErrNoDisplay, err)
	}
	defer conn.Close()

	setup := xproto.Setup(conn)
	if len(setup.Roots) == 0 {
		return image.Point{}, fmt.Errorf("%w: no screens", ErrNoDisplay)
	}
	root := setup.DefaultScreen(conn)
	return image.Pt(int(root.WidthInPixels), int(root.HeightInPixels)), nil
}

// DetectCompositor checks for an X11 compositing manager, first through
// the _NET_WM_CM_S0 selection and then by process name.
func DetectCompositor() CompositorStatus {
	if status := detectCompositorAtom(); status != CompositorUnknown {
		return status
	}
	return detectCompositorProcess()
}

func detectCompositorAtom() CompositorStatus {
	conn, err := xgb.NewConn()
	if err != nil {
		return CompositorUnknown
	}
	defer conn.Close()

	const atomName = "_NET_WM_CM_S0"
	atom, err := xproto.InternAtom(conn, false, uint16(len(atomName)), atomName).Reply()
	if err != nil || atom == nil {
		return CompositorUnknown
	}
	owner, err := xproto.GetSelectionOwner(conn, atom.Atom).Reply()
	if err != nil {
		return CompositorUnknown
	}
	if owner.Owner != xproto.WindowNone {
		return CompositorActive
	}
	return CompositorInactive
}

var knownCompositors = []string{"picom", "compton", "compiz", "mutter", "kwin_x11", "xfwm4", "marco", "muffin"}

func detectCompositorProcess() CompositorStatus {
	for _, name := range knownCompositors {
		if exec.Command("pgrep", "-x", name).Run() == nil {
			return CompositorActive
		}
	}
	return CompositorInactive
}
