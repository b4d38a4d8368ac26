// Package shm contains platform-specific helpers for creating, mapping and
// releasing the shared memory regions that back SafeIPC ring buffers.
package shm

// Region is a memory-mapped shared region plus the file descriptor that
// backs it. The descriptor stays open for the lifetime of the mapping so it
// can be transferred to the peer process over the control channel.
type Region struct {
	Mem  []byte
	FD   int
	Name string
	Size int

	unlinkPath string // non-empty when backed by a /dev/shm file we created
}

// CreateOptions defines options for creating a new shared memory region.
type CreateOptions struct {
	// Name identifies the region; used for the memfd name or the /dev/shm
	// file name.
	Name string
	// Size is the region size in bytes.
	Size int
	// DevShmPath, when non-empty, forces file-backed shared memory under
	// the given path instead of an anonymous memfd.
	DevShmPath string
}
