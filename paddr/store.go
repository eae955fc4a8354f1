package paddr

import (
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"github.com/colorfulnotion/pmem/config"
	"github.com/colorfulnotion/pmem/log"
	"github.com/colorfulnotion/pmem/memerrors"
	"golang.org/x/exp/rand"
)

// Store owns the host memory that backs guest physical RAM.
//
// A static store allocates its buffer in NewStore; a mapped store obtains an
// anonymous private mapping in Init. Either way the translation offset is
// fixed by Init and never changes until Close.
type Store struct {
	base uint64
	size uint64
	kind config.BackingKind
	hint uintptr

	random bool
	seed   uint64

	buf      []byte
	hostBase uint64
	tr       Translator
	ready    bool
	mapped   bool
}

func NewStore(cfg *config.Config) *Store {
	s := &Store{
		base:   uint64(cfg.MBase),
		size:   uint64(cfg.MSize),
		kind:   cfg.Backing,
		hint:   uintptr(cfg.MmapHint),
		random: cfg.MemRandom,
		seed:   cfg.RandomSeed,
	}
	if s.kind == config.BackingStatic {
		s.buf = make([]byte, s.size)
	}
	return s
}

// Init acquires the backing region. Failure wraps memerrors.ErrAcquisition and
// the store must not be used afterwards.
func (s *Store) Init() error {
	if s.ready {
		return nil
	}
	if s.size == 0 {
		return fmt.Errorf("empty pmem at 0x%x: %w", s.base, memerrors.ErrAcquisition)
	}
	if s.kind == config.BackingMmap {
		buf, err := mapRegion(s.hint, int(s.size))
		if err != nil {
			return fmt.Errorf("mmap 0x%x bytes at hint 0x%x: %v: %w", s.size, s.hint, err, memerrors.ErrAcquisition)
		}
		s.buf = buf
		s.mapped = true
	}
	if uint64(len(s.buf)) != s.size {
		return fmt.Errorf("backing region is 0x%x bytes, want 0x%x: %w", len(s.buf), s.size, memerrors.ErrAcquisition)
	}
	s.hostBase = uint64(uintptr(unsafe.Pointer(&s.buf[0])))
	s.tr = NewTranslator(s.hostBase, s.base)
	s.ready = true

	if s.random {
		s.randomize()
	}
	log.Debug(log.PaddrMonitoring, "pmem ready",
		"backing", s.kind,
		"mbase", fmt.Sprintf("0x%x", s.base),
		"msize", fmt.Sprintf("0x%x", s.size),
		"host", fmt.Sprintf("0x%x", s.hostBase),
		"random", s.random)
	return nil
}

// randomize fills every 4-byte cell once. Seeded from wall-clock time unless
// a seed was configured.
func (s *Store) randomize() {
	seed := s.seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i+4 <= len(s.buf); i += 4 {
		binary.LittleEndian.PutUint32(s.buf[i:], rng.Uint32())
	}
}

// Close releases a mapped region. A static buffer is left to the GC.
func (s *Store) Close() error {
	if !s.ready {
		return nil
	}
	s.ready = false
	if s.mapped {
		buf := s.buf
		s.buf = nil
		s.mapped = false
		return unmapRegion(buf)
	}
	return nil
}

func (s *Store) Ready() bool { return s.ready }

func (s *Store) Base() uint64 { return s.base }

func (s *Store) Size() uint64 { return s.size }

// HostBase is the host address of the first byte of guest RAM.
func (s *Store) HostBase() uint64 { return s.hostBase }

func (s *Store) Translator() Translator { return s.tr }

// GuestToHost mirrors the translator for callers holding only the store.
func (s *Store) GuestToHost(paddr uint64) uint64 { return s.tr.ToHost(paddr) }

func (s *Store) HostToGuest(haddr uint64) uint64 { return s.tr.ToGuest(haddr) }

// Bytes exposes the whole region. Writes through the returned slice bypass
// store recording; only checkpoint restore and image loading use it.
func (s *Store) Bytes() []byte { return s.buf }

// contains reports whether [paddr, paddr+width) lies inside guest RAM.
func (s *Store) contains(paddr uint64, width int) bool {
	w := uint64(width)
	return w <= s.size && paddr >= s.base && paddr-s.base <= s.size-w
}

// slice returns the host bytes for a validated guest range.
func (s *Store) slice(paddr uint64, width int) []byte {
	idx := s.tr.ToHost(paddr) - s.hostBase
	return s.buf[idx : idx+uint64(width)]
}

// LoadImage copies img into guest RAM at paddr.
func (s *Store) LoadImage(paddr uint64, img []byte) error {
	if !s.ready {
		return fmt.Errorf("load image: pmem not initialized")
	}
	if len(img) == 0 {
		return nil
	}
	if !s.contains(paddr, len(img)) {
		return fmt.Errorf("load image: [0x%x, 0x%x) outside pmem: %w", paddr, paddr+uint64(len(img)), memerrors.ErrInvalidAccess)
	}
	copy(s.slice(paddr, len(img)), img)
	log.Debug(log.PaddrMonitoring, "image loaded", "paddr", fmt.Sprintf("0x%x", paddr), "size", len(img))
	return nil
}
