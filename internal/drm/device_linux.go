//go:build linux

package drm

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/opd-ai/planecomp/internal/pixel"
)

// kmsDevice drives a DRM/KMS display controller through dumb buffers.
type kmsDevice struct {
	fd        int
	driver    string
	crtcID    uint32
	connector uint32
	mode      sysModeInfo
	planes    []PlaneInfo

	mu       sync.Mutex
	modeSet  bool
	states   map[int]PlaneState
	eventBuf [1024]byte
	closed   bool
}

// Open opens a DRM device. path may be a device node such as
// /dev/dri/card0 or a driver name; an empty path selects DefaultDriver.
func Open(path string) (Device, error) {
	if path == "" {
		path = DefaultDriver
	}
	fd, driver, err := openNode(path)
	if err != nil {
		return nil, err
	}
	d := &kmsDevice{fd: fd, driver: driver, states: make(map[int]PlaneState)}

	capArg := sysSetClientCap{capability: clientCapUniversalPlanes, value: 1}
	if err := ioctl(fd, ioctlSetClientCap, unsafe.Pointer(&capArg)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("drm: enable universal planes: %w", err)
	}
	crtcIndex, err := d.setupCrtc()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := d.loadPlanes(crtcIndex); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return d, nil
}

func openNode(path string) (int, string, error) {
	if strings.HasPrefix(path, "/") {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			return -1, "", fmt.Errorf("drm: open %s: %w", path, err)
		}
		name, err := driverName(fd)
		if err != nil {
			unix.Close(fd)
			return -1, "", err
		}
		return fd, name, nil
	}
	for i := 0; i < 16; i++ {
		node := fmt.Sprintf("/dev/dri/card%d", i)
		if _, err := os.Stat(node); err != nil {
			continue
		}
		fd, err := unix.Open(node, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			continue
		}
		name, err := driverName(fd)
		if err == nil && name == path {
			return fd, name, nil
		}
		unix.Close(fd)
	}
	return -1, "", fmt.Errorf("%w: driver %q", ErrNoDevice, path)
}

func driverName(fd int) (string, error) {
	var v sysVersion
	if err := ioctl(fd, ioctlVersion, unsafe.Pointer(&v)); err != nil {
		return "", fmt.Errorf("drm: version: %w", err)
	}
	name := make([]byte, v.nameLen+1)
	v.name = uintptr(unsafe.Pointer(&name[0]))
	v.dateLen, v.descLen = 0, 0
	err := ioctl(fd, ioctlVersion, unsafe.Pointer(&v))
	runtime.KeepAlive(name)
	if err != nil {
		return "", fmt.Errorf("drm: version: %w", err)
	}
	return string(bytes.TrimRight(name, "\x00")), nil
}

// setupCrtc picks the first connected connector, its CRTC and preferred mode.
func (d *kmsDevice) setupCrtc() (int, error) {
	var res sysCardRes
	if err := ioctl(d.fd, ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return 0, fmt.Errorf("drm: get resources: %w", err)
	}
	crtcs := make([]uint32, res.countCrtcs)
	connectors := make([]uint32, res.countConnectors)
	encoders := make([]uint32, res.countEncoders)
	res = sysCardRes{
		crtcIDPtr:       ptr(crtcs),
		connectorIDPtr:  ptr(connectors),
		encoderIDPtr:    ptr(encoders),
		countCrtcs:      uint32(len(crtcs)),
		countConnectors: uint32(len(connectors)),
		countEncoders:   uint32(len(encoders)),
	}
	err := ioctl(d.fd, ioctlModeGetResources, unsafe.Pointer(&res))
	runtime.KeepAlive(crtcs)
	runtime.KeepAlive(connectors)
	runtime.KeepAlive(encoders)
	if err != nil {
		return 0, fmt.Errorf("drm: get resources: %w", err)
	}

	for _, id := range connectors {
		conn := sysGetConnector{connectorID: id}
		if err := ioctl(d.fd, ioctlModeGetConnector, unsafe.Pointer(&conn)); err != nil {
			continue
		}
		if conn.connection != connected || conn.countModes == 0 {
			continue
		}
		modes := make([]sysModeInfo, conn.countModes)
		conn = sysGetConnector{
			connectorID: id,
			modesPtr:    ptr(modes),
			countModes:  uint32(len(modes)),
		}
		err := ioctl(d.fd, ioctlModeGetConnector, unsafe.Pointer(&conn))
		runtime.KeepAlive(modes)
		if err != nil {
			continue
		}

		enc := sysGetEncoder{encoderID: conn.encoderID}
		crtcID := uint32(0)
		possible := uint32(1)
		if conn.encoderID != 0 && ioctl(d.fd, ioctlModeGetEncoder, unsafe.Pointer(&enc)) == nil {
			crtcID = enc.crtcID
			possible = enc.possibleCrtcs
		}
		for i, c := range crtcs {
			if (crtcID != 0 && c == crtcID) || (crtcID == 0 && possible&(1<<i) != 0) {
				d.crtcID = c
				d.connector = id
				d.mode = modes[0]
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: no connected output", ErrNoDevice)
}

func (d *kmsDevice) loadPlanes(crtcIndex int) error {
	var res sysGetPlaneRes
	if err := ioctl(d.fd, ioctlModeGetPlaneRes, unsafe.Pointer(&res)); err != nil {
		return fmt.Errorf("drm: get plane resources: %w", err)
	}
	ids := make([]uint32, res.countPlanes)
	res = sysGetPlaneRes{planeIDPtr: ptr(ids), countPlanes: uint32(len(ids))}
	err := ioctl(d.fd, ioctlModeGetPlaneRes, unsafe.Pointer(&res))
	runtime.KeepAlive(ids)
	if err != nil {
		return fmt.Errorf("drm: get plane resources: %w", err)
	}

	for _, id := range ids {
		gp := sysGetPlane{planeID: id}
		if err := ioctl(d.fd, ioctlModeGetPlane, unsafe.Pointer(&gp)); err != nil {
			return fmt.Errorf("drm: get plane %d: %w", id, err)
		}
		if gp.possibleCrtcs&(1<<crtcIndex) == 0 {
			continue
		}
		codes := make([]uint32, gp.countFormatTypes)
		gp = sysGetPlane{planeID: id, countFormatTypes: uint32(len(codes)), formatTypePtr: ptr(codes)}
		err := ioctl(d.fd, ioctlModeGetPlane, unsafe.Pointer(&gp))
		runtime.KeepAlive(codes)
		if err != nil {
			return fmt.Errorf("drm: get plane %d formats: %w", id, err)
		}

		info := PlaneInfo{Index: len(d.planes), ID: id, Type: d.planeType(id)}
		yuv := false
		for _, code := range codes {
			f := pixel.FromFourcc(code)
			if f == pixel.Invalid {
				continue
			}
			info.Formats = append(info.Formats, f)
			if !f.Drawable() {
				yuv = true
			}
		}
		// HLCDC exposes scaling only on the high-end overlay, which is also
		// the only overlay accepting YUV.
		info.CanScale = info.Type == PlaneOverlay && yuv
		d.planes = append(d.planes, info)
	}
	return nil
}

// planeType reads the immutable "type" property of a plane.
func (d *kmsDevice) planeType(id uint32) PlaneType {
	props := sysObjGetProperties{objID: id, objType: objectPlane}
	if err := ioctl(d.fd, ioctlModeObjGetProps, unsafe.Pointer(&props)); err != nil {
		return PlaneOverlay
	}
	ids := make([]uint32, props.countProps)
	values := make([]uint64, props.countProps)
	props = sysObjGetProperties{
		objID:         id,
		objType:       objectPlane,
		countProps:    uint32(len(ids)),
		propsPtr:      ptr(ids),
		propValuesPtr: ptr(values),
	}
	err := ioctl(d.fd, ioctlModeObjGetProps, unsafe.Pointer(&props))
	runtime.KeepAlive(ids)
	runtime.KeepAlive(values)
	if err != nil {
		return PlaneOverlay
	}
	for i, pid := range ids {
		prop := sysGetProperty{propID: pid}
		if ioctl(d.fd, ioctlModeGetProperty, unsafe.Pointer(&prop)) != nil {
			continue
		}
		if string(bytes.TrimRight(prop.name[:], "\x00")) != "type" {
			continue
		}
		switch values[i] {
		case kernelPlanePrimary:
			return PlanePrimary
		case kernelPlaneCursor:
			return PlaneCursor
		default:
			return PlaneOverlay
		}
	}
	return PlaneOverlay
}

func (d *kmsDevice) Planes() []PlaneInfo {
	out := make([]PlaneInfo, len(d.planes))
	copy(out, d.planes)
	return out
}

func (d *kmsDevice) DisplaySize() image.Point {
	return image.Pt(int(d.mode.hdisplay), int(d.mode.vdisplay))
}

func (d *kmsDevice) plane(index int) (PlaneInfo, error) {
	if index < 0 || index >= len(d.planes) {
		return PlaneInfo{}, fmt.Errorf("%w: %d", ErrInvalidPlane, index)
	}
	return d.planes[index], nil
}

func (d *kmsDevice) AllocBuffers(plane int, size image.Point, format pixel.Format, count int) ([]*Framebuffer, error) {
	info, err := d.plane(plane)
	if err != nil {
		return nil, err
	}
	if !info.Supports(format) {
		return nil, fmt.Errorf("%w: %s on plane %d", ErrFormat, format, plane)
	}
	fbs := make([]*Framebuffer, 0, count)
	for i := 0; i < count; i++ {
		fb, err := d.createBuffer(size, format)
		if err != nil {
			d.FreeBuffers(fbs)
			return nil, err
		}
		fbs = append(fbs, fb)
	}
	return fbs, nil
}

func (d *kmsDevice) createBuffer(size image.Point, format pixel.Format) (*Framebuffer, error) {
	bpp := uint32(format.BitsPerPixel())
	height := uint32(size.Y)
	if format.Planar() {
		// Allocate luma-sized rows plus room for chroma.
		bpp = 8
		height = uint32((format.BufferLen(size.X, size.Y) + size.X - 1) / size.X)
	}
	dumb := sysCreateDumb{width: uint32(size.X), height: height, bpp: bpp}
	if err := ioctl(d.fd, ioctlModeCreateDumb, unsafe.Pointer(&dumb)); err != nil {
		return nil, fmt.Errorf("drm: create dumb %v: %w", size, err)
	}

	cmd := sysFBCmd2{
		width:       uint32(size.X),
		height:      uint32(size.Y),
		pixelFormat: format.Fourcc(),
	}
	cmd.handles[0], cmd.pitches[0] = dumb.handle, dumb.pitch
	lumaLen := dumb.pitch * uint32(size.Y)
	switch format {
	case pixel.NV21:
		cmd.handles[1], cmd.pitches[1], cmd.offsets[1] = dumb.handle, dumb.pitch, lumaLen
	case pixel.YUV420:
		cpitch := (dumb.pitch + 1) / 2
		clen := cpitch * ((uint32(size.Y) + 1) / 2)
		cmd.handles[1], cmd.pitches[1], cmd.offsets[1] = dumb.handle, cpitch, lumaLen
		cmd.handles[2], cmd.pitches[2], cmd.offsets[2] = dumb.handle, cpitch, lumaLen+clen
	}
	if err := ioctl(d.fd, ioctlModeAddFB2, unsafe.Pointer(&cmd)); err != nil {
		d.destroyDumb(dumb.handle)
		return nil, fmt.Errorf("drm: add framebuffer: %w", err)
	}

	mreq := sysMapDumb{handle: dumb.handle}
	if err := ioctl(d.fd, ioctlModeMapDumb, unsafe.Pointer(&mreq)); err != nil {
		d.removeFB(cmd.fbID)
		d.destroyDumb(dumb.handle)
		return nil, fmt.Errorf("drm: map dumb: %w", err)
	}
	data, err := unix.Mmap(d.fd, int64(mreq.offset), int(dumb.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		d.removeFB(cmd.fbID)
		d.destroyDumb(dumb.handle)
		return nil, fmt.Errorf("drm: mmap: %w", err)
	}
	return &Framebuffer{
		ID:     cmd.fbID,
		Handle: dumb.handle,
		Data:   data,
		Stride: int(dumb.pitch),
		Size:   size,
		Format: format,
	}, nil
}

func (d *kmsDevice) removeFB(id uint32) error {
	return ioctl(d.fd, ioctlModeRmFB, unsafe.Pointer(&id))
}

func (d *kmsDevice) destroyDumb(handle uint32) error {
	req := sysDestroyDumb{handle: handle}
	return ioctl(d.fd, ioctlModeDestroyDumb, unsafe.Pointer(&req))
}

func (d *kmsDevice) FreeBuffers(fbs []*Framebuffer) error {
	var first error
	for _, fb := range fbs {
		if fb == nil {
			continue
		}
		if fb.Data != nil {
			if err := unix.Munmap(fb.Data); err != nil && first == nil {
				first = err
			}
			fb.Data = nil
		}
		if err := d.removeFB(fb.ID); err != nil && first == nil {
			first = err
		}
		if err := d.destroyDumb(fb.Handle); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (d *kmsDevice) Commit(plane int, fb *Framebuffer, state PlaneState) error {
	info, err := d.plane(plane)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.states[plane] = state
	if info.Type == PlanePrimary {
		return d.setCrtc(fb)
	}
	return d.setPlane(info, fb, state)
}

// setCrtc performs the modeset scanning out fb on the primary plane.
func (d *kmsDevice) setCrtc(fb *Framebuffer) error {
	conns := []uint32{d.connector}
	crtc := sysCrtc{
		setConnectorsPtr: ptr(conns),
		countConnectors:  1,
		crtcID:           d.crtcID,
		fbID:             fb.ID,
		modeValid:        1,
		mode:             d.mode,
	}
	err := ioctl(d.fd, ioctlModeSetCrtc, unsafe.Pointer(&crtc))
	runtime.KeepAlive(conns)
	if err != nil {
		return fmt.Errorf("drm: set crtc: %w", err)
	}
	d.modeSet = true
	return nil
}

func (d *kmsDevice) setPlane(info PlaneInfo, fb *Framebuffer, state PlaneState) error {
	req := sysSetPlane{planeID: info.ID, crtcID: d.crtcID}
	if state.Visible && fb != nil {
		src := state.Source(fb.Size)
		dst := state.Destination(fb.Size)
		req.fbID = fb.ID
		req.crtcX, req.crtcY = int32(dst.Min.X), int32(dst.Min.Y)
		req.crtcW, req.crtcH = uint32(dst.Dx()), uint32(dst.Dy())
		req.srcX, req.srcY = uint32(src.Min.X)<<16, uint32(src.Min.Y)<<16
		req.srcW, req.srcH = uint32(src.Dx())<<16, uint32(src.Dy())<<16
	}
	if err := ioctl(d.fd, ioctlModeSetPlane, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("drm: set plane %d: %w", info.ID, err)
	}
	return nil
}

func (d *kmsDevice) Flip(plane int, fb *Framebuffer, async bool) error {
	info, err := d.plane(plane)
	if err != nil {
		return err
	}
	if info.Type != PlanePrimary {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			return ErrClosed
		}
		return d.setPlane(info, fb, d.states[plane])
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if !d.modeSet {
		err := d.setCrtc(fb)
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	req := sysPageFlip{crtcID: d.crtcID, fbID: fb.ID}
	if !async {
		req.flags = pageFlipEvent
	}
	if err := ioctl(d.fd, ioctlModePageFlip, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("drm: page flip: %w", err)
	}
	if async {
		return nil
	}
	// Block until the flip completion event arrives.
	for {
		n, err := unix.Read(d.fd, d.eventBuf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("drm: wait flip event: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
}

func (d *kmsDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return unix.Close(d.fd)
}

// String describes the device for logs.
func (d *kmsDevice) String() string {
	return fmt.Sprintf("%s (%dx%d, %d planes, crtc %d)",
		d.driver, d.mode.hdisplay, d.mode.vdisplay, len(d.planes), d.crtcID)
}
