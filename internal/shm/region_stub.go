//go:build !linux

package shm

import "errors"

// ErrUnsupportedPlatform is returned on platforms without a shared memory
// implementation. Windows section objects are a planned follow-up.
var ErrUnsupportedPlatform = errors.New("shm: unsupported platform")

// Create allocates a new shared memory region.
func Create(opts CreateOptions) (*Region, error) {
	return nil, ErrUnsupportedPlatform
}

// OpenFD maps an existing region from a received descriptor.
func OpenFD(fd int, name string) (*Region, error) {
	return nil, ErrUnsupportedPlatform
}

// Close unmaps the region.
func (r *Region) Close() error {
	return nil
}
