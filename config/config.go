package config

import (
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/xlab/treeprint"
)

//go:embed *.json
var configFS embed.FS

var presetFile = map[string]string{
	"nemu":  "nemu.json",  // riscv64 layout, 128MiB static pmem
	"mmap":  "mmap.json",  // same layout, lazily mapped pmem
	"share": "share.json", // restricted build: no device model, difftest recording on
}

// BackingKind selects how the guest physical RAM is held on the host.
type BackingKind string

const (
	BackingStatic BackingKind = "static"
	BackingMmap   BackingKind = "mmap"
)

// Hex64 is a uint64 that marshals as a 0x-prefixed hex string and accepts
// either a string or a JSON number when unmarshalling.
type Hex64 uint64

func (h Hex64) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%x", uint64(h)))
}

func (h *Hex64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n uint64
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return fmt.Errorf("hex64: %s is neither a string nor a number", data)
		}
		*h = Hex64(n)
		return nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("hex64: parse %q: %w", s, err)
	}
	*h = Hex64(v)
	return nil
}

// Config is the whole configuration surface of the memory core. It is
// resolved once before paddr.Store.Init and never changes afterwards.
type Config struct {
	MBase          Hex64       `json:"mbase"`
	MSize          Hex64       `json:"msize"`
	Backing        BackingKind `json:"backing"`
	MmapHint       Hex64       `json:"mmap_hint"`
	StoreQueueSize int         `json:"store_queue_size"`
	MemRandom      bool        `json:"mem_random"`
	RandomSeed     uint64      `json:"random_seed"`
	MMIOFallback   bool        `json:"mmio_fallback"`
	StoreCommit    bool        `json:"difftest_store_commit"`
}

// Default returns the configuration of a stock riscv64 build.
func Default() *Config {
	return &Config{
		MBase:          0x80000000,
		MSize:          0x8000000,
		Backing:        BackingStatic,
		StoreQueueSize: 64,
		MMIOFallback:   true,
	}
}

// ReadConfig loads a named preset or, when id is not a preset, the JSON file
// at path id. Fields absent from the JSON keep their Default values.
func ReadConfig(id string) (*Config, error) {
	var (
		data []byte
		err  error
	)
	if path, ok := presetFile[id]; ok {
		data, err = configFS.ReadFile(path)
	} else {
		data, err = os.ReadFile(id)
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", id, err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", id, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", id, err)
	}
	return cfg, nil
}

// Presets returns the names accepted by ReadConfig besides file paths.
func Presets() []string {
	return []string{"nemu", "mmap", "share"}
}

func (c *Config) Validate() error {
	if c.MSize == 0 {
		return fmt.Errorf("msize must be non-zero")
	}
	if c.MSize%4 != 0 {
		return fmt.Errorf("msize 0x%x is not a multiple of 4", uint64(c.MSize))
	}
	if uint64(c.MBase) > math.MaxUint64-uint64(c.MSize) {
		return fmt.Errorf("mbase 0x%x + msize 0x%x overflows the address space", uint64(c.MBase), uint64(c.MSize))
	}
	if uint64(c.MSize) > uint64(math.MaxInt) {
		return fmt.Errorf("msize 0x%x does not fit a host buffer", uint64(c.MSize))
	}
	if c.StoreQueueSize <= 0 {
		return fmt.Errorf("store_queue_size must be positive, got %d", c.StoreQueueSize)
	}
	switch c.Backing {
	case BackingStatic, BackingMmap:
	default:
		return fmt.Errorf("unknown backing %q", c.Backing)
	}
	return nil
}

// End returns the first address past guest RAM.
func (c *Config) End() uint64 {
	return uint64(c.MBase) + uint64(c.MSize)
}

// Tree renders the configuration for the CLI.
func (c *Config) Tree() treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue("pmem")
	layout := tree.AddBranch("layout")
	layout.AddNode(fmt.Sprintf("mbase: 0x%x", uint64(c.MBase)))
	layout.AddNode(fmt.Sprintf("msize: 0x%x", uint64(c.MSize)))
	layout.AddNode(fmt.Sprintf("end:   0x%x", c.End()))
	backing := tree.AddBranch(fmt.Sprintf("backing: %s", c.Backing))
	if c.Backing == BackingMmap {
		backing.AddNode(fmt.Sprintf("hint: 0x%x", uint64(c.MmapHint)))
	}
	backing.AddNode(fmt.Sprintf("mem_random: %v", c.MemRandom))
	if c.MemRandom && c.RandomSeed != 0 {
		backing.AddNode(fmt.Sprintf("seed: %d", c.RandomSeed))
	}
	tree.AddNode(fmt.Sprintf("mmio_fallback: %v", c.MMIOFallback))
	dt := tree.AddBranch(fmt.Sprintf("difftest_store_commit: %v", c.StoreCommit))
	if c.StoreCommit {
		dt.AddNode(fmt.Sprintf("store_queue_size: %d", c.StoreQueueSize))
	}
	return tree
}
