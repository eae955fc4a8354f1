package refmodel

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/colorfulnotion/pmem/difftest"
	"github.com/colorfulnotion/pmem/log"
)

// ErrWriterClosed is returned when a write happens after Close.
var ErrWriterClosed = errors.New("refmodel: writer is closed")

// Record is one line of a JSONL store log. Width is set for simulator store
// logs (raw stores to replay) and omitted for reference logs (normalized
// commits to check against).
type Record struct {
	Addr  uint64
	Data  uint64
	Width int
}

type recordJSON struct {
	Addr  string `json:"addr"`
	Data  string `json:"data"`
	Width int    `json:"width,omitempty"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		Addr:  fmt.Sprintf("0x%x", r.Addr),
		Data:  fmt.Sprintf("0x%x", r.Data),
		Width: r.Width,
	})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	addr, err := parseHex(raw.Addr)
	if err != nil {
		return fmt.Errorf("addr: %w", err)
	}
	val, err := parseHex(raw.Data)
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	*r = Record{Addr: addr, Data: val, Width: raw.Width}
	return nil
}

func parseHex(s string) (uint64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(s, "0x") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// JSONLWriter writes Records as JSON Lines (one JSON object per line).
// It is safe for concurrent use by multiple goroutines.
type JSONLWriter struct {
	mu     sync.Mutex
	enc    *json.Encoder
	buf    *bufio.Writer
	closer io.Closer
	closed bool
	err    error // first Push failure
}

// NewJSONLWriter writes to w. The writer passed in is NOT closed by Close.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	buf := bufio.NewWriterSize(w, 64*1024)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{enc: enc, buf: buf}
}

// CreateJSONL opens path for writing (truncate or create); Close closes it.
func CreateJSONL(path string) (*JSONLWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := NewJSONLWriter(f)
	w.closer = f
	return w, nil
}

func (w *JSONLWriter) WriteRecord(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.enc.Encode(r)
}

// Push lets a JSONLWriter stand in as a paddr.StoreRecorder, logging raw
// stores for a later replay. Push cannot fail; the first write error is kept
// and returned by Flush and Close.
func (w *JSONLWriter) Push(addr, data uint64, width int) {
	err := w.WriteRecord(Record{Addr: addr, Data: data, Width: width})
	if err == nil {
		return
	}
	w.mu.Lock()
	first := w.err == nil
	if first {
		w.err = err
	}
	w.mu.Unlock()
	if first {
		log.Error(log.RefModelMonitoring, "store record dropped",
			"paddr", fmt.Sprintf("0x%x", addr), "width", width, "err", err)
	}
}

func (w *JSONLWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if w.err != nil {
		return w.err
	}
	return w.buf.Flush()
}

func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.buf.Flush()
	if w.err != nil {
		err = w.err
	}
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// JSONLReader reads Records back. It implements difftest.Feed, ignoring the
// width of each record.
type JSONLReader struct {
	sc     *bufio.Scanner
	closer io.Closer
	line   int
}

func NewJSONLReader(r io.Reader) *JSONLReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	return &JSONLReader{sc: sc}
}

func OpenJSONL(path string) (*JSONLReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := NewJSONLReader(f)
	r.closer = f
	return r, nil
}

// NextRecord returns the next record, skipping blank lines, or io.EOF.
func (r *JSONLReader) NextRecord() (Record, error) {
	for r.sc.Scan() {
		r.line++
		text := strings.TrimSpace(r.sc.Text())
		if text == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return Record{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		return rec, nil
	}
	if err := r.sc.Err(); err != nil {
		return Record{}, err
	}
	return Record{}, io.EOF
}

func (r *JSONLReader) Next() (difftest.StoreEvent, error) {
	rec, err := r.NextRecord()
	if err != nil {
		return difftest.StoreEvent{}, err
	}
	return difftest.StoreEvent{Addr: rec.Addr, Data: rec.Data}, nil
}

func (r *JSONLReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Open picks a reader by file extension: ".gz" store traces, anything else
// JSONL. The closer releases the underlying file.
func Open(path string) (difftest.Feed, io.Closer, error) {
	if strings.HasSuffix(path, ".gz") {
		tr, err := OpenStoreTrace(path)
		if err != nil {
			return nil, nil, err
		}
		return tr, tr, nil
	}
	r, err := OpenJSONL(path)
	if err != nil {
		return nil, nil, err
	}
	return r, r, nil
}
