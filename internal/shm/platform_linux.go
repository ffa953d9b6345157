//go:build linux

package shm

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

const devShmPath = "/dev/shm"

// MapRegion creates a memfd of the requested size, maps it shared and zeroes
// it. The returned region is registered until UnmapRegion.
func MapRegion(opts MapOptions) (*Region, error) {
	if opts.Size <= 0 {
		return nil, ErrInvalidSize
	}
	total := HeaderSize + opts.Size
	if !canCreateOnDevShm(uint64(total)) {
		return nil, fmt.Errorf("%w: path:%s, size:%d", ErrNoSpace, devShmPath, total)
	}
	name := opts.Name
	if name == "" {
		name = "forkipc"
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(total)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	for i := range mem {
		mem[i] = 0
	}
	r := &Region{name: name, fd: fd, mem: mem, size: opts.Size, shared: true}
	register(r)
	return r, nil
}

// AttachRegion maps a region created by another process from its inherited
// memfd. The header is left as found.
func AttachRegion(name string, fd int) (*Region, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("fstat: %w", err)
	}
	total := int(st.Size)
	if total <= HeaderSize {
		return nil, fmt.Errorf("%w: attached size %d", ErrInvalidSize, total)
	}
	mem, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	r := &Region{name: name, fd: fd, mem: mem, size: total - HeaderSize, shared: true}
	register(r)
	return r, nil
}

// UnmapRegion unmaps and closes the region. Only the first call does work.
func UnmapRegion(r *Region) error {
	if r == nil || !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	unregister(r)
	var firstErr error
	if err := unix.Munmap(r.mem); err != nil {
		firstErr = fmt.Errorf("munmap: %w", err)
	}
	if err := unix.Close(r.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close memfd %d: %w", r.fd, err)
	}
	r.mem = nil
	return firstErr
}

// InheritableFile returns a close-on-exec duplicate of the memfd wrapped as an
// *os.File, suitable for exec.Cmd.ExtraFiles. The caller owns it.
func (r *Region) InheritableFile() (*os.File, error) {
	if r.Closed() {
		return nil, ErrNotShared
	}
	dup, err := unix.FcntlInt(uintptr(r.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dup memfd: %w", err)
	}
	return os.NewFile(uintptr(dup), r.name), nil
}

// canCreateOnDevShm reports whether /dev/shm has size bytes free. memfd pages
// are accounted against the same tmpfs limits. Systems without /dev/shm are
// not checked.
func canCreateOnDevShm(size uint64) bool {
	stat, err := disk.Usage(devShmPath)
	if err != nil {
		return true
	}
	return stat.Free >= size
}
