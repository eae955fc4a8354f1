package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/colorfulnotion/pmem/config"
	"github.com/colorfulnotion/pmem/difftest"
	"github.com/colorfulnotion/pmem/log"
	"github.com/colorfulnotion/pmem/memerrors"
	"github.com/colorfulnotion/pmem/mmio"
	"github.com/colorfulnotion/pmem/paddr"
	"github.com/colorfulnotion/pmem/refmodel"
)

type replayOptions struct {
	storeLog  string
	reference string
	image     string
	pc        uint64
	keepGoing bool
	recordOut string
}

// machine is the memory core wired the way a simulator would wire it.
type machine struct {
	store *paddr.Store
	bus   *mmio.Bus
	queue *difftest.StoreQueue
	mem   *paddr.Memory

	record *refmodel.JSONLWriter
}

// newMachine builds and initializes the memory core. When recordOut is set,
// every recorded store is also logged there as a replayable JSONL record.
func newMachine(cfg *config.Config, console io.Writer, recordOut string) (*machine, error) {
	store := paddr.NewStore(cfg)
	if err := store.Init(); err != nil {
		return nil, err
	}
	m := &machine{store: store}
	var bus paddr.MMIO
	if cfg.MMIOFallback {
		m.bus = mmio.NewBus()
		if err := m.bus.MapSerial(console); err != nil {
			store.Close()
			return nil, err
		}
		bus = m.bus
	}
	var recs []paddr.StoreRecorder
	if cfg.StoreCommit {
		m.queue = difftest.NewStoreQueue(cfg.StoreQueueSize, difftest.LogSink{})
		recs = append(recs, m.queue)
	}
	if recordOut != "" {
		w, err := refmodel.CreateJSONL(recordOut)
		if err != nil {
			store.Close()
			return nil, err
		}
		m.record = w
		recs = append(recs, w)
	}
	var rec paddr.StoreRecorder
	if len(recs) > 0 {
		rec = paddr.MultiRecorder(recs...)
	}
	mem, err := paddr.New(cfg, store, bus, rec)
	if err != nil {
		m.Close()
		return nil, err
	}
	m.mem = mem
	return m, nil
}

func (m *machine) Close() error {
	if m.record != nil {
		m.record.Close()
		m.record = nil
	}
	return m.store.Close()
}

func runReplay(cfg *config.Config, opts replayOptions, out io.Writer) (difftest.Verdict, error) {
	replayCfg := *cfg
	replayCfg.StoreCommit = true
	m, err := newMachine(&replayCfg, out, opts.recordOut)
	if err != nil {
		return difftest.Match, err
	}
	defer m.Close()

	if opts.image != "" {
		img, err := os.ReadFile(opts.image)
		if err != nil {
			return difftest.Match, err
		}
		if err := m.store.LoadImage(uint64(replayCfg.MBase), img); err != nil {
			return difftest.Match, err
		}
	}

	stores, err := refmodel.OpenJSONL(opts.storeLog)
	if err != nil {
		return difftest.Match, err
	}
	defer stores.Close()
	feed, closer, err := refmodel.Open(opts.reference)
	if err != nil {
		return difftest.Match, err
	}
	defer closer.Close()

	checker := difftest.NewChecker(m.queue, difftest.LogSink{}, func() uint64 { return opts.pc })
	checker.StopOnFirstDivergence = !opts.keepGoing
	verdict := difftest.Match
	note := func(v difftest.Verdict) bool {
		if v != difftest.Match && verdict == difftest.Match {
			verdict = v
		}
		return verdict != difftest.Match && checker.StopOnFirstDivergence
	}

	// every recorded store is checked before the next one is applied, so the
	// queue never holds more than one step's worth of commits
	applied := 0
	refDone, stopped := false, false
	for !refDone && !stopped {
		rec, err := stores.NextRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return verdict, fmt.Errorf("%s: %w", opts.storeLog, err)
		}
		switch rec.Width {
		case 1, 2, 4:
		case 0:
			return verdict, fmt.Errorf("%s: store %d has no width", opts.storeLog, applied)
		default:
			return verdict, fmt.Errorf("%s: store %d width %d: %w", opts.storeLog, applied, rec.Width, memerrors.ErrUnsupportedWidth)
		}
		m.mem.Write(rec.Addr, rec.Width, rec.Data)
		if err := m.mem.TakeFault(); err != nil {
			return verdict, fmt.Errorf("%s: store %d: %w", opts.storeLog, applied, err)
		}
		applied++

		v, err := checker.CheckPending(feed)
		switch {
		case errors.Is(err, io.EOF):
			refDone = true
			log.Warn(log.DifftestMonitoring, "reference trace ended before the simulator store log",
				"applied", applied, "step", checker.Steps())
		case err != nil:
			return verdict, err
		}
		stopped = note(v)
	}
	log.Info(log.DifftestMonitoring, "simulator stores applied", "count", applied, "pending", m.queue.Len())

	if !refDone && !stopped {
		// reference stores the simulator never committed
		v, err := checker.CheckFeed(feed)
		if err != nil {
			return verdict, err
		}
		note(v)
	}
	if m.record != nil {
		if err := m.record.Close(); err != nil {
			return verdict, fmt.Errorf("record %s: %w", opts.recordOut, err)
		}
		m.record = nil
	}
	st := m.mem.Stats()
	fmt.Fprint(out, checker.Summary())
	fmt.Fprintf(out, "pmem writes %d, mmio writes %d, invalid accesses %d\n", st.PmemWrites, st.MMIOWrites, st.InvalidAccesses)
	return verdict, nil
}

func convertTrace(in, out string) (int, error) {
	r, err := refmodel.OpenJSONL(in)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	w, err := refmodel.CreateStoreTrace(out)
	if err != nil {
		return 0, err
	}
	n := 0
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			w.Close()
			return n, fmt.Errorf("%s: %w", in, err)
		}
		if err := w.WriteStore(ev); err != nil {
			w.Close()
			return n, err
		}
		n++
	}
	return n, w.Close()
}
