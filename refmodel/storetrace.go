package refmodel

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/colorfulnotion/pmem/difftest"
	"github.com/klauspost/compress/gzip"
)

// A store trace is a gzip stream of 16-byte records: paddr (8 bytes) followed
// by lane-normalized data (8 bytes), both little-endian.
const storeRecordSize = 16

// StoreTraceReader reads a store trace and implements difftest.Feed.
type StoreTraceReader struct {
	gz     *gzip.Reader
	file   *os.File
	buf    [storeRecordSize]byte
	events uint64
	eof    bool
}

func NewStoreTraceReader(r io.Reader) (*StoreTraceReader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open store trace: %w", err)
	}
	return &StoreTraceReader{gz: gz}, nil
}

// OpenStoreTrace opens the store trace at path. Close releases the file.
func OpenStoreTrace(path string) (*StoreTraceReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	tr, err := NewStoreTraceReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	tr.file = f
	return tr, nil
}

// Next reads the next reference store. A truncated final record is an error.
func (tr *StoreTraceReader) Next() (difftest.StoreEvent, error) {
	if tr.eof {
		return difftest.StoreEvent{}, io.EOF
	}
	_, err := io.ReadFull(tr.gz, tr.buf[:])
	if errors.Is(err, io.EOF) {
		tr.eof = true
		return difftest.StoreEvent{}, io.EOF
	}
	if err != nil {
		return difftest.StoreEvent{}, fmt.Errorf("read store %d: %w", tr.events, err)
	}
	tr.events++
	return difftest.StoreEvent{
		Addr: binary.LittleEndian.Uint64(tr.buf[:8]),
		Data: binary.LittleEndian.Uint64(tr.buf[8:]),
	}, nil
}

// Count returns the number of events read so far.
func (tr *StoreTraceReader) Count() uint64 { return tr.events }

func (tr *StoreTraceReader) Close() error {
	err := tr.gz.Close()
	if tr.file != nil {
		if cerr := tr.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// StoreTraceWriter produces a store trace.
type StoreTraceWriter struct {
	gz     *gzip.Writer
	buf    *bufio.Writer
	closer io.Closer
	rec    [storeRecordSize]byte
	closed bool
}

// NewStoreTraceWriter writes to w. Close does not close w.
func NewStoreTraceWriter(w io.Writer) *StoreTraceWriter {
	gz := gzip.NewWriter(w)
	return &StoreTraceWriter{gz: gz, buf: bufio.NewWriterSize(gz, 64*1024)}
}

// CreateStoreTrace creates (or truncates) the file at path. Close closes it.
func CreateStoreTrace(path string) (*StoreTraceWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := NewStoreTraceWriter(f)
	w.closer = f
	return w, nil
}

func (w *StoreTraceWriter) WriteStore(ev difftest.StoreEvent) error {
	if w.closed {
		return ErrWriterClosed
	}
	binary.LittleEndian.PutUint64(w.rec[:8], ev.Addr)
	binary.LittleEndian.PutUint64(w.rec[8:], ev.Data)
	_, err := w.buf.Write(w.rec[:])
	return err
}

func (w *StoreTraceWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.buf.Flush()
	if gerr := w.gz.Close(); err == nil {
		err = gerr
	}
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
