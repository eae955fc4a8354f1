package refmodel

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/colorfulnotion/pmem/difftest"
	"github.com/colorfulnotion/pmem/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleEvents = []difftest.StoreEvent{
	{Addr: 0x80000000, Data: 0x00000513},
	{Addr: 0x80000003, Data: 0xAB000000},
	{Addr: 0x80000ffc, Data: 0xffffffffdeadbeef},
}

func drain(t *testing.T, f difftest.Feed) []difftest.StoreEvent {
	t.Helper()
	var out []difftest.StoreEvent
	for {
		ev, err := f.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestStoreTraceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stores.gz")
	w, err := CreateStoreTrace(path)
	require.NoError(t, err)
	for _, ev := range sampleEvents {
		require.NoError(t, w.WriteStore(ev))
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteStore(sampleEvents[0]), ErrWriterClosed)

	feed, closer, err := Open(path)
	require.NoError(t, err)
	defer closer.Close()
	assert.Equal(t, sampleEvents, drain(t, feed))
	_, err = feed.Next()
	assert.Equal(t, io.EOF, err, "EOF is sticky")
	assert.Equal(t, uint64(3), feed.(*StoreTraceReader).Count())
}

func TestStoreTraceTruncated(t *testing.T) {
	var buf bytes.Buffer
	w := NewStoreTraceWriter(&buf)
	require.NoError(t, w.WriteStore(sampleEvents[0]))
	require.NoError(t, w.Close())

	// re-compress all but the last 3 bytes of the payload
	r, err := NewStoreTraceReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	raw, err := io.ReadAll(r.gz)
	require.NoError(t, err)
	require.Len(t, raw, storeRecordSize)

	var short bytes.Buffer
	sw := NewStoreTraceWriter(&short)
	_, err = sw.buf.Write(raw[:storeRecordSize-3])
	require.NoError(t, err)
	require.NoError(t, sw.Close())

	tr, err := NewStoreTraceReader(&short)
	require.NoError(t, err)
	_, err = tr.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStoreTraceRejectsPlainData(t *testing.T) {
	_, err := NewStoreTraceReader(strings.NewReader("not gzip"))
	assert.Error(t, err)
	_, err = OpenStoreTrace(filepath.Join(t.TempDir(), "missing.gz"))
	assert.Error(t, err)
}

func TestJSONLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stores.jsonl")
	w, err := CreateJSONL(path)
	require.NoError(t, err)
	w.Push(0x80000003, 0xAB, 1)
	require.NoError(t, w.WriteRecord(Record{Addr: 0x80000008, Data: 0xcafef00d, Width: 4}))
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteRecord(Record{}), ErrWriterClosed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"addr":"0x80000003","data":"0xab","width":1}`+"\n"+
		`{"addr":"0x80000008","data":"0xcafef00d","width":4}`+"\n", string(data))

	r, err := OpenJSONL(path)
	require.NoError(t, err)
	defer r.Close()
	rec, err := r.NextRecord()
	require.NoError(t, err)
	assert.Equal(t, Record{Addr: 0x80000003, Data: 0xab, Width: 1}, rec)
	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, difftest.StoreEvent{Addr: 0x80000008, Data: 0xcafef00d}, ev)
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestJSONLReaderInput(t *testing.T) {
	in := "\n" +
		`{"addr":"0x80000000","data":"19"}` + "\n" +
		"   \n" +
		`{"addr":"0X80000004","data":"0xFF"}` + "\n"
	assert.Equal(t, []difftest.StoreEvent{
		{Addr: 0x80000000, Data: 19},
		{Addr: 0x80000004, Data: 0xff},
	}, drain(t, NewJSONLReader(strings.NewReader(in))))

	bad := NewJSONLReader(strings.NewReader(`{"addr":"0xzz","data":"1"}`))
	_, err := bad.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestJSONLWriterConcurrent(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 50; i++ {
				w.Push(uint64(g)<<32|uint64(i), uint64(i), 4)
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}
	require.NoError(t, w.Close())
	assert.Len(t, drain(t, NewJSONLReader(&buf)), 200)
}

type fullDisk struct{}

var errDiskFull = errors.New("disk full")

func (fullDisk) Write(p []byte) (int, error) { return 0, errDiskFull }

func TestJSONLWriterPushKeepsFirstError(t *testing.T) {
	prev := log.Root()
	defer log.SetDefault(prev)
	h := log.NewRecordingHandler(log.LevelInfo)
	log.SetDefault(log.NewLogger(h))

	w := NewJSONLWriter(fullDisk{})
	// enough records to spill the write buffer
	for i := 0; i < 5000; i++ {
		w.Push(0x80000000+uint64(4*i), uint64(i), 4)
	}
	assert.ErrorIs(t, w.Flush(), errDiskFull)
	assert.Equal(t, 1, h.Count(log.LevelError, "store record dropped"), "logged once")
	assert.ErrorIs(t, w.Close(), errDiskFull)
}
