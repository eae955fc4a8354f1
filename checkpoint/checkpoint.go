package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/colorfulnotion/pmem/log"
	"github.com/colorfulnotion/pmem/paddr"
	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/zeebo/xxh3"
)

const (
	PageSize = 4096
	metaSize = 24
)

// Store keeps named guest RAM images in LevelDB. Pages that are entirely zero
// are not stored.
//
// Layout:
//
//	ckpt/<name>/meta          mbase(8) | msize(8) | xxh3(8), big-endian
//	ckpt/<name>/page/<idx>    PageSize bytes, idx big-endian uint64
type Store struct {
	db *leveldb.DB
}

// Open opens or creates a LevelDB database at path. If path is empty, uses
// in-memory storage.
func Open(path string) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func prefix(name string) []byte {
	return []byte("ckpt/" + name + "/")
}

func metaKey(name string) []byte {
	return append(prefix(name), "meta"...)
}

func pageKey(name string, idx uint64) []byte {
	k := append(prefix(name), "page/"...)
	return binary.BigEndian.AppendUint64(k, idx)
}

func validName(name string) error {
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("invalid checkpoint name %q", name)
	}
	return nil
}

// Save writes the current contents of mem under name, replacing any earlier
// image with that name. It returns the number of pages stored.
func (s *Store) Save(name string, mem *paddr.Store) (int, error) {
	if err := validName(name); err != nil {
		return 0, err
	}
	if !mem.Ready() {
		return 0, fmt.Errorf("checkpoint %s: pmem not initialized", name)
	}
	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(util.BytesPrefix(prefix(name)), nil)
	for iter.Next() {
		batch.Delete(bytes.Clone(iter.Key()))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("checkpoint %s: %w", name, err)
	}

	meta := binary.BigEndian.AppendUint64(nil, mem.Base())
	meta = binary.BigEndian.AppendUint64(meta, mem.Size())
	meta = binary.BigEndian.AppendUint64(meta, xxh3.Hash(mem.Bytes()))
	batch.Put(metaKey(name), meta)

	buf := mem.Bytes()
	zero := make([]byte, PageSize)
	pages := 0
	for off := 0; off < len(buf); off += PageSize {
		end := min(off+PageSize, len(buf))
		page := buf[off:end]
		if bytes.Equal(page, zero[:len(page)]) {
			continue
		}
		batch.Put(pageKey(name, uint64(off/PageSize)), page)
		pages++
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("checkpoint %s: %w", name, err)
	}
	log.Info(log.CheckpointMonitoring, "checkpoint saved", "name", name, "pages", pages)
	return pages, nil
}

// Restore replaces the contents of mem with the image saved under name. The
// image must have been taken from a region with the same base and size.
// Restored bytes are not seen by the store recorder. On error mem is left
// untouched.
func (s *Store) Restore(name string, mem *paddr.Store) error {
	if err := validName(name); err != nil {
		return err
	}
	if !mem.Ready() {
		return fmt.Errorf("checkpoint %s: pmem not initialized", name)
	}
	meta, err := s.db.Get(metaKey(name), nil)
	if err == leveldb.ErrNotFound {
		return fmt.Errorf("checkpoint %s not found", name)
	}
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", name, err)
	}
	if len(meta) != metaSize {
		return fmt.Errorf("checkpoint %s: bad meta length %d", name, len(meta))
	}
	base, size := binary.BigEndian.Uint64(meta[:8]), binary.BigEndian.Uint64(meta[8:16])
	if base != mem.Base() || size != mem.Size() {
		return fmt.Errorf("checkpoint %s: layout [0x%x, +0x%x) does not match pmem [0x%x, +0x%x)",
			name, base, size, mem.Base(), mem.Size())
	}

	buf := make([]byte, len(mem.Bytes()))
	pagePrefix := append(prefix(name), "page/"...)
	iter := s.db.NewIterator(util.BytesPrefix(pagePrefix), nil)
	defer iter.Release()
	pages := 0
	for iter.Next() {
		idx := binary.BigEndian.Uint64(iter.Key()[len(pagePrefix):])
		off := idx * PageSize
		if off >= uint64(len(buf)) {
			return fmt.Errorf("checkpoint %s: page %d beyond pmem", name, idx)
		}
		copy(buf[off:], iter.Value())
		pages++
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("checkpoint %s: %w", name, err)
	}
	if sum := xxh3.Hash(buf); sum != binary.BigEndian.Uint64(meta[16:]) {
		return fmt.Errorf("checkpoint %s: checksum mismatch 0x%016x", name, sum)
	}
	copy(mem.Bytes(), buf)
	log.Info(log.CheckpointMonitoring, "checkpoint restored", "name", name, "pages", pages)
	return nil
}

// List returns the saved checkpoint names in lexical order.
func (s *Store) List() ([]string, error) {
	var names []string
	iter := s.db.NewIterator(util.BytesPrefix([]byte("ckpt/")), nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		if strings.HasSuffix(key, "/meta") {
			names = append(names, strings.TrimSuffix(strings.TrimPrefix(key, "ckpt/"), "/meta"))
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the image saved under name.
func (s *Store) Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(util.BytesPrefix(prefix(name)), nil)
	for iter.Next() {
		batch.Delete(bytes.Clone(iter.Key()))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}
