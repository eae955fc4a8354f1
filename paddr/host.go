package paddr

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/pmem/memerrors"
)

func checkWidth(width int) {
	switch width {
	case 1, 2, 4, 8:
	default:
		panic(fmt.Errorf("%w: %d", memerrors.ErrUnsupportedWidth, width))
	}
}

func hostRead(b []byte, width int) uint64 {
	switch width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func hostWrite(b []byte, width int, data uint64) {
	switch width {
	case 1:
		b[0] = uint8(data)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(data))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(data))
	default:
		binary.LittleEndian.PutUint64(b, data)
	}
}
