package mmio

import (
	"fmt"
	"io"
	"sort"

	"github.com/colorfulnotion/pmem/log"
)

// ReadFunc and WriteFunc receive the offset of the access inside the region.
type (
	ReadFunc  func(offset uint64, width int) uint64
	WriteFunc func(offset uint64, width int, data uint64)
)

// Region is one device window on the bus.
type Region struct {
	Name    string
	Start   uint64
	Size    uint64
	onRead  ReadFunc
	onWrite WriteFunc
}

func (r *Region) contains(addr uint64) bool {
	return addr >= r.Start && addr-r.Start < r.Size
}

// Bus dispatches physical accesses outside guest RAM to device regions.
type Bus struct {
	regions  []*Region
	unmapped uint64
}

func NewBus() *Bus {
	return &Bus{}
}

// Map registers a region. Either callback may be nil: reads then return 0
// and writes are ignored. Overlapping regions are rejected.
func (b *Bus) Map(name string, start, size uint64, onRead ReadFunc, onWrite WriteFunc) error {
	if size == 0 {
		return fmt.Errorf("mmio: region %s has zero size", name)
	}
	if start+size-1 < start {
		return fmt.Errorf("mmio: region %s wraps the address space", name)
	}
	for _, r := range b.regions {
		if start < r.Start+r.Size && r.Start < start+size {
			return fmt.Errorf("mmio: region %s [0x%x, 0x%x) overlaps %s", name, start, start+size, r.Name)
		}
	}
	b.regions = append(b.regions, &Region{Name: name, Start: start, Size: size, onRead: onRead, onWrite: onWrite})
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].Start < b.regions[j].Start })
	log.Debug(log.MMIOMonitoring, "mmio region mapped", "name", name,
		"start", fmt.Sprintf("0x%x", start), "size", fmt.Sprintf("0x%x", size))
	return nil
}

func (b *Bus) find(addr uint64) *Region {
	i := sort.Search(len(b.regions), func(i int) bool {
		r := b.regions[i]
		return r.Start+r.Size-1 >= addr
	})
	if i < len(b.regions) && b.regions[i].contains(addr) {
		return b.regions[i]
	}
	return nil
}

func (b *Bus) Read(addr uint64, width int) uint64 {
	r := b.find(addr)
	if r == nil {
		b.miss("read", addr, width)
		return 0
	}
	log.Trace(log.MMIOMonitoring, "mmio read", "region", r.Name, "addr", fmt.Sprintf("0x%x", addr), "width", width)
	if r.onRead == nil {
		return 0
	}
	return r.onRead(addr-r.Start, width)
}

func (b *Bus) Write(addr uint64, width int, data uint64) {
	r := b.find(addr)
	if r == nil {
		b.miss("write", addr, width)
		return
	}
	log.Trace(log.MMIOMonitoring, "mmio write", "region", r.Name, "addr", fmt.Sprintf("0x%x", addr), "width", width,
		"data", fmt.Sprintf("0x%x", data))
	if r.onWrite != nil {
		r.onWrite(addr-r.Start, width, data)
	}
}

func (b *Bus) miss(op string, addr uint64, width int) {
	b.unmapped++
	log.Error(log.MMIOMonitoring, "address out of bound", "op", op, "addr", fmt.Sprintf("0x%x", addr), "width", width)
}

// Unmapped counts accesses that hit no region.
func (b *Bus) Unmapped() uint64 { return b.unmapped }

// Regions returns the mapped regions ordered by start address.
func (b *Bus) Regions() []Region {
	out := make([]Region, len(b.regions))
	for i, r := range b.regions {
		out[i] = *r
	}
	return out
}

// SerialPort is the usual NEMU serial window: the byte written at offset 0
// goes to w.
const (
	SerialPort = 0xa00003f8
	SerialSize = 8
)

// MapSerial maps a transmit-only serial port writing to w.
func (b *Bus) MapSerial(w io.Writer) error {
	return b.Map("serial", SerialPort, SerialSize, nil, func(offset uint64, width int, data uint64) {
		if offset == 0 {
			_, _ = w.Write([]byte{byte(data)})
		}
	})
}
