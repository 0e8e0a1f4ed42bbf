//go:build linux

package loop

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

func newWakeupFD() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("eventfd: %w", err)
	}
	return fd, nil
}

func wakeupWrite(fd int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(fd, buf[:])
	return err
}

// wakeupDrain consumes the 8-byte counter value the wakeup fd delivers. A
// short read is logged by the caller and otherwise ignored; it cannot
// desynchronize the counter semantics an eventfd provides.
func wakeupDrain(fd int) error {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return err
	}
	if n != 8 {
		return fmt.Errorf("short read: %d bytes", n)
	}
	return nil
}

func wakeupClose(fd int) error {
	return unix.Close(fd)
}
