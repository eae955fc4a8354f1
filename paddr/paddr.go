package paddr

import (
	"fmt"

	"github.com/colorfulnotion/pmem/config"
	"github.com/colorfulnotion/pmem/log"
	"github.com/colorfulnotion/pmem/memerrors"
)

// MMIO is the device side of the physical address space. It only sees
// addresses outside guest RAM.
type MMIO interface {
	Read(addr uint64, width int) uint64
	Write(addr uint64, width int, data uint64)
}

// StoreRecorder receives every in-range store before it reaches memory.
type StoreRecorder interface {
	Push(addr uint64, data uint64, width int)
}

type multiRecorder []StoreRecorder

func (mr multiRecorder) Push(addr, data uint64, width int) {
	for _, r := range mr {
		r.Push(addr, data, width)
	}
}

// MultiRecorder fans every store out to recs in order.
func MultiRecorder(recs ...StoreRecorder) StoreRecorder {
	if len(recs) == 1 {
		return recs[0]
	}
	return multiRecorder(append([]StoreRecorder(nil), recs...))
}

// Stats counts accesses by the path they took.
type Stats struct {
	PmemReads       uint64
	PmemWrites      uint64
	MMIOReads       uint64
	MMIOWrites      uint64
	InvalidAccesses uint64
}

// Memory is the single entry point for physical memory accesses. It is not
// safe for concurrent use; the store recorder relies on serialized writes.
type Memory struct {
	store    *Store
	mmio     MMIO
	fallback bool
	recorder StoreRecorder

	stats     Stats
	lastFault error
}

// New builds the dispatcher over an initialized store. mmio may be nil only
// when the configuration disables the MMIO fallback; recorder is used only
// when difftest store commit is enabled.
func New(cfg *config.Config, store *Store, mmio MMIO, recorder StoreRecorder) (*Memory, error) {
	if !store.Ready() {
		return nil, fmt.Errorf("paddr: store not initialized")
	}
	if cfg.MMIOFallback && mmio == nil {
		return nil, fmt.Errorf("paddr: mmio fallback enabled without an mmio bus")
	}
	if cfg.StoreCommit && recorder == nil {
		return nil, fmt.Errorf("paddr: difftest store commit enabled without a recorder")
	}
	m := &Memory{
		store:    store,
		fallback: cfg.MMIOFallback,
	}
	if cfg.MMIOFallback {
		m.mmio = mmio
	}
	if cfg.StoreCommit {
		m.recorder = recorder
	}
	return m, nil
}

// InPmem is the closed-open range test against [mbase, mbase+msize).
func (m *Memory) InPmem(addr uint64) bool {
	return addr >= m.store.base && addr-m.store.base < m.store.size
}

func (m *Memory) Store() *Store { return m.store }

func (m *Memory) Stats() Stats { return m.stats }

// TakeFault returns and clears the last invalid access, letting the CPU loop
// raise an access fault for it.
func (m *Memory) TakeFault() error {
	err := m.lastFault
	m.lastFault = nil
	return err
}

func (m *Memory) Read(addr uint64, width int) uint64 {
	checkWidth(width)
	if m.InPmem(addr) {
		if !m.store.contains(addr, width) {
			m.invalid("read", addr, width)
			return 0
		}
		m.stats.PmemReads++
		return hostRead(m.store.slice(addr, width), width)
	}
	if m.fallback {
		m.stats.MMIOReads++
		return m.mmio.Read(addr, width)
	}
	m.invalid("read", addr, width)
	return 0
}

func (m *Memory) Write(addr uint64, width int, data uint64) {
	checkWidth(width)
	if m.InPmem(addr) {
		if !m.store.contains(addr, width) {
			m.invalid("write", addr, width)
			return
		}
		// record first: a recorded commit always has its memory effect behind it
		if m.recorder != nil {
			m.recorder.Push(addr, data, width)
		}
		m.stats.PmemWrites++
		hostWrite(m.store.slice(addr, width), width, data)
		return
	}
	if m.fallback {
		m.stats.MMIOWrites++
		m.mmio.Write(addr, width, data)
		return
	}
	m.invalid("write", addr, width)
}

func (m *Memory) invalid(op string, addr uint64, width int) {
	m.stats.InvalidAccesses++
	m.lastFault = fmt.Errorf("%s paddr 0x%x width %d: %w", op, addr, width, memerrors.ErrInvalidAccess)
	log.Error(log.PaddrMonitoring, "invalid mem "+op,
		"paddr", fmt.Sprintf("0x%x", addr),
		"width", width,
		"err", memerrors.GetErrorCodeWithName(memerrors.ErrInvalidAccess))
}
