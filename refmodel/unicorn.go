//go:build unicorn
// +build unicorn

package refmodel

import (
	"fmt"
	"io"

	"github.com/colorfulnotion/pmem/difftest"
	"github.com/colorfulnotion/pmem/log"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// UnicornFeed turns the guest RAM writes of a unicorn instance into reference
// store events. The caller runs the emulator; the feed only buffers what the
// write hook saw.
type UnicornFeed struct {
	mu      uc.Unicorn
	hook    uc.Hook
	base    uint64
	end     uint64
	events  []difftest.StoreEvent
	pos     int
	skipped int
}

// NewUnicornFeed hooks writes to [base, base+size) on mu.
func NewUnicornFeed(mu uc.Unicorn, base, size uint64) (*UnicornFeed, error) {
	f := &UnicornFeed{mu: mu, base: base, end: base + size}
	hook, err := mu.HookAdd(uc.HOOK_MEM_WRITE, func(mu uc.Unicorn, access int,
		addr uint64, size int, value int64) {
		f.record(addr, size, uint64(value))
	}, base, base+size-1)
	if err != nil {
		return nil, fmt.Errorf("hook unicorn writes: %w", err)
	}
	f.hook = hook
	return f, nil
}

func (f *UnicornFeed) record(addr uint64, size int, value uint64) {
	if addr < f.base || addr >= f.end {
		return // ignore accesses outside guest RAM
	}
	if size != 1 && size != 2 && size != 4 {
		// wide stores have no lane encoding on the simulator side either
		f.skipped++
		log.Warn(log.RefModelMonitoring, "reference store not comparable", "paddr", fmt.Sprintf("0x%x", addr), "width", size)
		return
	}
	f.events = append(f.events, difftest.StoreEvent{
		Addr: addr,
		Data: difftest.NormalizeStore(addr, value, size),
	})
}

// Next returns buffered events in the order the hook saw them, then io.EOF.
// Events recorded after an io.EOF are returned by later calls.
func (f *UnicornFeed) Next() (difftest.StoreEvent, error) {
	if f.pos >= len(f.events) {
		return difftest.StoreEvent{}, io.EOF
	}
	ev := f.events[f.pos]
	f.pos++
	return ev, nil
}

// Skipped is the number of reference stores dropped for their width.
func (f *UnicornFeed) Skipped() int { return f.skipped }

func (f *UnicornFeed) Close() error {
	return f.mu.HookDel(f.hook)
}
