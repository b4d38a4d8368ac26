//go:build linux

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Create allocates a new shared memory region. By default the region is an
// anonymous memfd so no filesystem entry outlives the processes; a
// /dev/shm-backed file is used when opts.DevShmPath is set.
func Create(opts CreateOptions) (*Region, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("shm: invalid region size %d", opts.Size)
	}
	if opts.DevShmPath != "" {
		return createDevShmFile(opts)
	}
	fd, err := unix.MemfdCreate(opts.Name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("shm: memfd_create %q: %w", opts.Name, err)
	}
	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("shm: ftruncate %q: %w", opts.Name, err)
	}
	region, err := mapFD(fd, opts.Name, opts.Size)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return region, nil
}

func createDevShmFile(opts CreateOptions) (*Region, error) {
	path := opts.DevShmPath
	_ = os.MkdirAll(filepath.Dir(path), os.ModePerm)
	if !hasDevShmSpace(uint64(opts.Size), path) {
		return nil, fmt.Errorf("shm: not enough space on %s for %d bytes", filepath.Dir(path), opts.Size)
	}
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %q: %w", path, err)
	}
	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		return nil, fmt.Errorf("shm: ftruncate %q: %w", path, err)
	}
	region, err := mapFD(fd, opts.Name, opts.Size)
	if err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		return nil, err
	}
	region.unlinkPath = path
	return region, nil
}

// OpenFD maps an existing region from a descriptor received over the control
// channel. The size is taken from the descriptor itself.
func OpenFD(fd int, name string) (*Region, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("shm: fstat received fd: %w", err)
	}
	if st.Size <= 0 {
		return nil, fmt.Errorf("shm: received fd %q has size %d", name, st.Size)
	}
	return mapFD(fd, name, int(st.Size))
}

func mapFD(fd int, name string, size int) (*Region, error) {
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %q: %w", name, err)
	}
	return &Region{Mem: mem, FD: fd, Name: name, Size: size}, nil
}

// Close unmaps the region, closes its descriptor and removes the backing
// file if one was created.
func (r *Region) Close() error {
	if r == nil || r.Mem == nil {
		return nil
	}
	err := unix.Munmap(r.Mem)
	r.Mem = nil
	if cerr := unix.Close(r.FD); err == nil {
		err = cerr
	}
	if r.unlinkPath != "" {
		if rerr := os.Remove(r.unlinkPath); err == nil && !os.IsNotExist(rerr) {
			err = rerr
		}
	}
	return err
}

// hasDevShmSpace preflights tmpfs free space before creating a file-backed
// region, so a full /dev/shm fails fast instead of faulting on first touch.
func hasDevShmSpace(need uint64, path string) bool {
	var stat unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(path), &stat); err != nil {
		return true
	}
	return stat.Bavail*uint64(stat.Bsize) >= need
}
