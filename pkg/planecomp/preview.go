//go:build !noebiten

package planecomp

import (
	"context"
	"fmt"

	"github.com/opd-ai/planecomp/internal/config"
	"github.com/opd-ai/planecomp/internal/hostdisplay"
	"github.com/opd-ai/planecomp/internal/preview"
)

// startPreview shows the simulated device in a desktop window. Closing the
// window stops the compositor.
func (c *compositorImpl) startPreview(ctx context.Context, cfg *config.Config, cancel context.CancelFunc) {
	c.sceneMu.Lock()
	sim := c.sim
	c.sceneMu.Unlock()
	if sim == nil {
		c.log.Warn("preview needs the simulated device", "device", cfg.Device.Kind)
		return
	}

	pc := preview.DefaultConfig()
	if cfg.Preview.Title != "" {
		pc.Title = cfg.Preview.Title
	}
	pc.Background = cfg.Display.Background

	host, err := hostdisplay.Probe()
	if err != nil {
		c.log.Debug("host screen size unknown", "error", err, "wayland", host.Wayland)
	} else if host.Compositor == hostdisplay.CompositorInactive {
		c.log.Debug("no host compositor, preview alpha is not blended with the desktop")
	}
	pc.Scale = hostdisplay.FitScale(sim.DisplaySize(), host.Size, cfg.Preview.Scale)

	game := preview.NewGame(sim, pc)
	game.SetContext(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		if err := game.Run(); err != nil {
			c.notifyError(fmt.Errorf("preview: %w", err))
		}
	}()
}
