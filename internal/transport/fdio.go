package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// WriteFull writes all of p to fd, looping over short writes.
func WriteFull(fd int, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(fd, p[written:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, fmt.Errorf("write fd %d: %w", fd, err)
		}
		if n == 0 {
			return written, ErrShortWrite
		}
		written += n
	}
	return written, nil
}

// ReadFull reads from fd until buf is full or the peer closes its end.
// Reaching end of stream early is not an error; the count says how much came.
func ReadFull(fd int, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := unix.Read(fd, buf[read:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return read, fmt.Errorf("read fd %d: %w", fd, err)
		}
		if n == 0 {
			break
		}
		read += n
	}
	return read, nil
}
