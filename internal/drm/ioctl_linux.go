//go:build linux

package drm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel structures from drm.h / drm_mode.h. Explicit padding keeps the
// layout identical on 32-bit ARM, where C aligns __u64 to 8 bytes.

type sysVersion struct {
	major, minor, patch int32
	nameLen             uintptr
	name                uintptr
	dateLen             uintptr
	date                uintptr
	descLen             uintptr
	desc                uintptr
}

type sysSetClientCap struct {
	capability uint64
	value      uint64
}

type sysCardRes struct {
	fbIDPtr          uint64
	crtcIDPtr        uint64
	connectorIDPtr   uint64
	encoderIDPtr     uint64
	countFbs         uint32
	countCrtcs       uint32
	countConnectors  uint32
	countEncoders    uint32
	minWidth         uint32
	maxWidth         uint32
	minHeight        uint32
	maxHeight        uint32
}

type sysModeInfo struct {
	clock                                         uint32
	hdisplay, hsyncStart, hsyncEnd, htotal, hskew uint16
	vdisplay, vsyncStart, vsyncEnd, vtotal, vscan uint16
	vrefresh                                      uint32
	flags                                         uint32
	typ                                           uint32
	name                                          [32]byte
}

type sysGetConnector struct {
	encodersPtr     uint64
	modesPtr        uint64
	propsPtr        uint64
	propValuesPtr   uint64
	countModes      uint32
	countProps      uint32
	countEncoders   uint32
	encoderID       uint32
	connectorID     uint32
	connectorType   uint32
	connectorTypeID uint32
	connection      uint32
	mmWidth         uint32
	mmHeight        uint32
	subpixel        uint32
	_               uint32
}

type sysGetEncoder struct {
	encoderID      uint32
	encoderType    uint32
	crtcID         uint32
	possibleCrtcs  uint32
	possibleClones uint32
}

type sysCrtc struct {
	setConnectorsPtr uint64
	countConnectors  uint32
	crtcID           uint32
	fbID             uint32
	x, y             uint32
	gammaSize        uint32
	modeValid        uint32
	mode             sysModeInfo
}

type sysGetPlaneRes struct {
	planeIDPtr  uint64
	countPlanes uint32
	_           uint32
}

type sysGetPlane struct {
	planeID          uint32
	crtcID           uint32
	fbID             uint32
	possibleCrtcs    uint32
	gammaSize        uint32
	countFormatTypes uint32
	formatTypePtr    uint64
}

type sysSetPlane struct {
	planeID          uint32
	crtcID           uint32
	fbID             uint32
	flags            uint32
	crtcX, crtcY     int32
	crtcW, crtcH     uint32
	srcX, srcY       uint32
	srcH, srcW       uint32
}

type sysObjGetProperties struct {
	propsPtr      uint64
	propValuesPtr uint64
	countProps    uint32
	objID         uint32
	objType       uint32
	_             uint32
}

type sysGetProperty struct {
	valuesPtr      uint64
	enumBlobPtr    uint64
	propID         uint32
	flags          uint32
	name           [32]byte
	countValues    uint32
	countEnumBlobs uint32
}

type sysCreateDumb struct {
	height, width uint32
	bpp           uint32
	flags         uint32
	handle        uint32
	pitch         uint32
	size          uint64
}

type sysMapDumb struct {
	handle uint32
	pad    uint32
	offset uint64
}

type sysDestroyDumb struct {
	handle uint32
}

type sysFBCmd2 struct {
	fbID        uint32
	width       uint32
	height      uint32
	pixelFormat uint32
	flags       uint32
	handles     [4]uint32
	pitches     [4]uint32
	offsets     [4]uint32
	_           uint32
	modifier    [4]uint64
}

type sysPageFlip struct {
	crtcID   uint32
	fbID     uint32
	flags    uint32
	reserved uint32
	userData uint64
}

const (
	iocWrite = 1
	iocRead  = 2

	clientCapUniversalPlanes = 2

	objectPlane = 0xeeeeeeee

	pageFlipEvent = 0x01

	connected = 1

	kernelPlaneOverlay = 0
	kernelPlanePrimary = 1
	kernelPlaneCursor  = 2
)

func ioctlCode(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | uintptr('d')<<8 | nr
}

var (
	ioctlVersion          = ioctlCode(iocRead|iocWrite, 0x00, unsafe.Sizeof(sysVersion{}))
	ioctlSetClientCap     = ioctlCode(iocWrite, 0x0d, unsafe.Sizeof(sysSetClientCap{}))
	ioctlModeGetResources = ioctlCode(iocRead|iocWrite, 0xA0, unsafe.Sizeof(sysCardRes{}))
	ioctlModeSetCrtc      = ioctlCode(iocRead|iocWrite, 0xA2, unsafe.Sizeof(sysCrtc{}))
	ioctlModeGetEncoder   = ioctlCode(iocRead|iocWrite, 0xA6, unsafe.Sizeof(sysGetEncoder{}))
	ioctlModeGetConnector = ioctlCode(iocRead|iocWrite, 0xA7, unsafe.Sizeof(sysGetConnector{}))
	ioctlModeGetProperty  = ioctlCode(iocRead|iocWrite, 0xAA, unsafe.Sizeof(sysGetProperty{}))
	ioctlModeRmFB         = ioctlCode(iocRead|iocWrite, 0xAF, unsafe.Sizeof(uint32(0)))
	ioctlModePageFlip     = ioctlCode(iocRead|iocWrite, 0xB0, unsafe.Sizeof(sysPageFlip{}))
	ioctlModeCreateDumb   = ioctlCode(iocRead|iocWrite, 0xB2, unsafe.Sizeof(sysCreateDumb{}))
	ioctlModeMapDumb      = ioctlCode(iocRead|iocWrite, 0xB3, unsafe.Sizeof(sysMapDumb{}))
	ioctlModeDestroyDumb  = ioctlCode(iocRead|iocWrite, 0xB4, unsafe.Sizeof(sysDestroyDumb{}))
	ioctlModeGetPlaneRes  = ioctlCode(iocRead|iocWrite, 0xB5, unsafe.Sizeof(sysGetPlaneRes{}))
	ioctlModeGetPlane     = ioctlCode(iocRead|iocWrite, 0xB6, unsafe.Sizeof(sysGetPlane{}))
	ioctlModeSetPlane     = ioctlCode(iocRead|iocWrite, 0xB7, unsafe.Sizeof(sysSetPlane{}))
	ioctlModeAddFB2       = ioctlCode(iocRead|iocWrite, 0xB8, unsafe.Sizeof(sysFBCmd2{}))
	ioctlModeObjGetProps  = ioctlCode(iocRead|iocWrite, 0xB9, unsafe.Sizeof(sysObjGetProperties{}))
)

// ioctl issues a DRM ioctl, restarting on EINTR and EAGAIN like libdrm.
func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return errno
		}
	}
}

func ptr[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}
