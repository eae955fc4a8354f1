//go:build unix

package paddr

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func mapRegion(hint uintptr, size int) ([]byte, error) {
	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(ptr), size), nil
}

func unmapRegion(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return unix.MunmapPtr(unsafe.Pointer(&buf[0]), uintptr(len(buf)))
}
