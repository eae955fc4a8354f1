//go:build !unix

package paddr

import "errors"

func mapRegion(hint uintptr, size int) ([]byte, error) {
	return nil, errors.New("anonymous mappings are not supported on this platform")
}

func unmapRegion(buf []byte) error { return nil }
