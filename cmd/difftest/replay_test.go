package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/colorfulnotion/pmem/config"
	"github.com/colorfulnotion/pmem/difftest"
	"github.com/colorfulnotion/pmem/memerrors"
	"github.com/colorfulnotion/pmem/refmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.MSize = 0x10000
	return cfg
}

func writeJSONL(t *testing.T, path string, recs ...refmodel.Record) {
	t.Helper()
	w, err := refmodel.CreateJSONL(path)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.WriteRecord(r))
	}
	require.NoError(t, w.Close())
}

var simStores = []refmodel.Record{
	{Addr: 0x80000000, Data: 0xdeadbeef, Width: 4},
	{Addr: 0x80000005, Data: 0x1ab, Width: 1},
	{Addr: 0x80000102, Data: 0x12345678, Width: 2},
}

var refStores = []refmodel.Record{
	{Addr: 0x80000000, Data: 0xdeadbeef},
	{Addr: 0x80000005, Data: 0xab00},
	{Addr: 0x80000102, Data: 0x56780000},
}

func TestReplayMatch(t *testing.T) {
	dir := t.TempDir()
	opts := replayOptions{
		storeLog:  filepath.Join(dir, "sim.jsonl"),
		reference: filepath.Join(dir, "ref.jsonl"),
	}
	writeJSONL(t, opts.storeLog, simStores...)
	writeJSONL(t, opts.reference, refStores...)

	var out bytes.Buffer
	verdict, err := runReplay(smallConfig(), opts, &out)
	require.NoError(t, err)
	assert.Equal(t, difftest.Match, verdict)
	assert.Contains(t, out.String(), "All store commits matched")
	assert.Contains(t, out.String(), "pmem writes 3")
}

func TestReplayGzipReference(t *testing.T) {
	dir := t.TempDir()
	refJSONL := filepath.Join(dir, "ref.jsonl")
	writeJSONL(t, refJSONL, refStores...)
	opts := replayOptions{
		storeLog:  filepath.Join(dir, "sim.jsonl"),
		reference: filepath.Join(dir, "ref.gz"),
	}
	writeJSONL(t, opts.storeLog, simStores...)

	n, err := convertTrace(refJSONL, opts.reference)
	require.NoError(t, err)
	assert.Equal(t, len(refStores), n)

	verdict, err := runReplay(smallConfig(), opts, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, difftest.Match, verdict)
}

func TestReplayMismatch(t *testing.T) {
	dir := t.TempDir()
	opts := replayOptions{
		storeLog:  filepath.Join(dir, "sim.jsonl"),
		reference: filepath.Join(dir, "ref.jsonl"),
		pc:        0x80000010,
	}
	writeJSONL(t, opts.storeLog, simStores...)
	bad := append([]refmodel.Record(nil), refStores...)
	bad[1].Data = 0xac00
	writeJSONL(t, opts.reference, bad...)

	var out bytes.Buffer
	verdict, err := runReplay(smallConfig(), opts, &out)
	require.NoError(t, err)
	assert.Equal(t, difftest.Mismatch, verdict)
	assert.Contains(t, out.String(), "Found 1 divergence(s)")
	assert.Contains(t, out.String(), "pmem writes 2", "replay stops at the divergent store")
}

// longStoreLog returns n word stores and their reference commits, n larger
// than the store queue.
func longStoreLog(n int) (sim, ref []refmodel.Record) {
	for i := 0; i < n; i++ {
		addr := uint64(0x80000000 + 4*(i%16))
		sim = append(sim, refmodel.Record{Addr: addr, Data: uint64(i), Width: 4})
		ref = append(ref, refmodel.Record{Addr: addr, Data: uint64(i)})
	}
	return sim, ref
}

func TestReplayLongerThanQueue(t *testing.T) {
	cfg := smallConfig()
	n := 3 * cfg.StoreQueueSize
	sim, ref := longStoreLog(n)

	dir := t.TempDir()
	opts := replayOptions{
		storeLog:  filepath.Join(dir, "sim.jsonl"),
		reference: filepath.Join(dir, "ref.jsonl"),
	}
	writeJSONL(t, opts.storeLog, sim...)
	writeJSONL(t, opts.reference, ref...)

	var out bytes.Buffer
	verdict, err := runReplay(cfg, opts, &out)
	require.NoError(t, err)
	assert.Equal(t, difftest.Match, verdict, out.String())
	assert.Contains(t, out.String(), "All store commits matched")
	assert.NotContains(t, out.String(), "overflowed")

	ref[100].Data = 0xbad
	writeJSONL(t, opts.reference, ref...)
	out.Reset()
	verdict, err = runReplay(cfg, opts, &out)
	require.NoError(t, err)
	assert.Equal(t, difftest.Mismatch, verdict)
	assert.Contains(t, out.String(), "Step 100:")
	assert.NotContains(t, out.String(), "overflowed")
}

func TestReplayReferenceEndsEarly(t *testing.T) {
	dir := t.TempDir()
	opts := replayOptions{
		storeLog:  filepath.Join(dir, "sim.jsonl"),
		reference: filepath.Join(dir, "ref.jsonl"),
	}
	writeJSONL(t, opts.storeLog, simStores...)
	writeJSONL(t, opts.reference, refStores[:1]...)

	var out bytes.Buffer
	verdict, err := runReplay(smallConfig(), opts, &out)
	require.NoError(t, err)
	assert.Equal(t, difftest.Match, verdict, "every reference store was matched")
	assert.Contains(t, out.String(), "1 simulator store(s) left unchecked")
}

func TestReplayRecordOut(t *testing.T) {
	dir := t.TempDir()
	opts := replayOptions{
		storeLog:  filepath.Join(dir, "sim.jsonl"),
		reference: filepath.Join(dir, "ref.jsonl"),
		recordOut: filepath.Join(dir, "recorded.jsonl"),
	}
	serial := refmodel.Record{Addr: 0xa00003f8, Data: 'x', Width: 1}
	writeJSONL(t, opts.storeLog, simStores[0], serial, simStores[1], simStores[2])
	writeJSONL(t, opts.reference, refStores...)

	verdict, err := runReplay(smallConfig(), opts, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, difftest.Match, verdict)

	r, err := refmodel.OpenJSONL(opts.recordOut)
	require.NoError(t, err)
	defer r.Close()
	var got []refmodel.Record
	for {
		rec, err := r.NextRecord()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		got = append(got, rec)
	}
	assert.Equal(t, simStores, got, "only stores that reached guest RAM are recorded")
}

func TestReplayUnderrun(t *testing.T) {
	dir := t.TempDir()
	opts := replayOptions{
		storeLog:  filepath.Join(dir, "sim.jsonl"),
		reference: filepath.Join(dir, "ref.jsonl"),
	}
	writeJSONL(t, opts.storeLog, simStores[:1]...)
	writeJSONL(t, opts.reference, refStores[:2]...)

	verdict, err := runReplay(smallConfig(), opts, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, difftest.Underrun, verdict)
}

func TestReplayRejectsBadStores(t *testing.T) {
	dir := t.TempDir()
	ref := filepath.Join(dir, "ref.jsonl")
	writeJSONL(t, ref, refStores...)

	wide := filepath.Join(dir, "wide.jsonl")
	writeJSONL(t, wide, refmodel.Record{Addr: 0x80000000, Data: 1, Width: 8})
	_, err := runReplay(smallConfig(), replayOptions{storeLog: wide, reference: ref}, &bytes.Buffer{})
	assert.ErrorIs(t, err, memerrors.ErrUnsupportedWidth)

	outside := filepath.Join(dir, "outside.jsonl")
	writeJSONL(t, outside, refmodel.Record{Addr: 0x1000, Data: 1, Width: 4})
	cfg := smallConfig()
	cfg.MMIOFallback = false
	_, err = runReplay(cfg, replayOptions{storeLog: outside, reference: ref}, &bytes.Buffer{})
	assert.ErrorIs(t, err, memerrors.ErrInvalidAccess)
}

func TestReplaySerialOutput(t *testing.T) {
	dir := t.TempDir()
	opts := replayOptions{
		storeLog:  filepath.Join(dir, "sim.jsonl"),
		reference: filepath.Join(dir, "ref.jsonl"),
	}
	writeJSONL(t, opts.storeLog,
		refmodel.Record{Addr: 0xa00003f8, Data: 'o', Width: 1},
		refmodel.Record{Addr: 0xa00003f8, Data: 'k', Width: 1},
	)
	writeJSONL(t, opts.reference)

	var out bytes.Buffer
	verdict, err := runReplay(smallConfig(), opts, &out)
	require.NoError(t, err)
	assert.Equal(t, difftest.Match, verdict)
	assert.Contains(t, out.String(), "ok")
	assert.Contains(t, out.String(), "mmio writes 2")
}

func TestReplayImage(t *testing.T) {
	dir := t.TempDir()
	opts := replayOptions{
		storeLog:  filepath.Join(dir, "sim.jsonl"),
		reference: filepath.Join(dir, "ref.jsonl"),
		image:     filepath.Join(dir, "missing.bin"),
	}
	writeJSONL(t, opts.storeLog)
	writeJSONL(t, opts.reference)
	_, err := runReplay(smallConfig(), opts, &bytes.Buffer{})
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(opts.image, make([]byte, 0x20000), 0o644))
	_, err = runReplay(smallConfig(), opts, &bytes.Buffer{})
	assert.Error(t, err, "image larger than guest RAM")
}

func TestCheckpointSaveDump(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "db")
	image := filepath.Join(dir, "image.bin")
	img := []byte{0x13, 0x05, 0x00, 0x00, 0x73, 0x00, 0x10, 0x00}
	require.NoError(t, os.WriteFile(image, img, 0o644))

	cfg := smallConfig()
	pages, err := saveImage(cfg, db, "boot", image)
	require.NoError(t, err)
	assert.Equal(t, 1, pages)

	out := filepath.Join(dir, "dump.bin")
	require.NoError(t, dumpImage(cfg, db, "boot", out))
	dumped, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Len(t, dumped, int(cfg.MSize))
	assert.Equal(t, img, dumped[:len(img)])
	assert.Equal(t, make([]byte, 16), dumped[len(img):len(img)+16])

	assert.Error(t, dumpImage(cfg, db, "missing", out))
}
