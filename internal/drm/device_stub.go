//go:build !linux

package drm

// Open is unavailable off Linux; use the simulated device instead.
func Open(path string) (Device, error) {
	return nil, ErrUnsupported
}
