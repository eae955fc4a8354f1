package difftest

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/colorfulnotion/pmem/log"
)

// Checker compares the simulator's store commits with the stores reported by
// a reference model, one reference event per call, in reference order.
type Checker struct {
	queue *StoreQueue
	sink  Sink
	pc    func() uint64

	steps          uint64
	divergences    int
	firstDivergent *Report

	// StopOnFirstDivergence makes CheckFeed return at the first non-match.
	StopOnFirstDivergence bool
}

// NewChecker builds a checker over q. pc supplies the simulator's program
// counter for divergence reports and may be nil.
func NewChecker(q *StoreQueue, sink Sink, pc func() uint64) *Checker {
	if sink == nil {
		sink = LogSink{}
	}
	if pc == nil {
		pc = func() uint64 { return 0 }
	}
	return &Checker{
		queue:                 q,
		sink:                  sink,
		pc:                    pc,
		StopOnFirstDivergence: true,
	}
}

// Check pops one simulator commit and compares it with the reference store.
// A divergence is reported to the sink; the checker never retries.
func (c *Checker) Check(refAddr, refData uint64) Verdict {
	step := c.steps
	c.steps++

	expected := StoreCommit{Addr: refAddr, Data: refData, Valid: true}
	commit, ok := c.queue.Pop()
	if !ok {
		c.report(Report{Kind: Underrun, Step: step, PC: c.pc(), Expected: expected})
		return Underrun
	}
	if commit.Addr != refAddr || commit.Data != refData {
		c.report(Report{Kind: Mismatch, Step: step, PC: c.pc(), Expected: expected, Actual: &commit})
		return Mismatch
	}
	log.Trace(log.DifftestMonitoring, "store commit match", "step", step,
		"paddr", fmt.Sprintf("0x%x", refAddr), "data", fmt.Sprintf("0x%x", refData))
	return Match
}

func (c *Checker) report(r Report) {
	c.divergences++
	if c.firstDivergent == nil {
		first := r
		c.firstDivergent = &first
	}
	c.sink.Divergence(r)
}

// CheckFeed checks every event of feed until io.EOF. It returns Match when
// all checked events matched, otherwise the first divergent verdict.
func (c *Checker) CheckFeed(feed Feed) (Verdict, error) {
	result := Match
	for {
		ev, err := feed.Next()
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("reference feed at step %d: %w", c.steps, err)
		}
		v := c.Check(ev.Addr, ev.Data)
		if v != Match && result == Match {
			result = v
			if c.StopOnFirstDivergence {
				return result, nil
			}
		}
	}
}

// CheckPending checks one reference event per pending simulator commit until
// the queue is empty. Called after every recorded store it keeps the queue
// from filling up on long runs. It returns io.EOF when the feed ends first.
func (c *Checker) CheckPending(feed Feed) (Verdict, error) {
	result := Match
	for c.queue.Len() > 0 {
		ev, err := feed.Next()
		if errors.Is(err, io.EOF) {
			return result, io.EOF
		}
		if err != nil {
			return result, fmt.Errorf("reference feed at step %d: %w", c.steps, err)
		}
		v := c.Check(ev.Addr, ev.Data)
		if v != Match && result == Match {
			result = v
			if c.StopOnFirstDivergence {
				return result, nil
			}
		}
	}
	return result, nil
}

// Steps is the number of reference events checked so far.
func (c *Checker) Steps() uint64 { return c.steps }

func (c *Checker) Divergences() int { return c.divergences }

// FirstDivergence returns the earliest divergence, or nil.
func (c *Checker) FirstDivergence() *Report { return c.firstDivergent }

// Summary returns a summary of the verification
func (c *Checker) Summary() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Store commit verification: %d reference stores\n", c.steps)
	if c.divergences == 0 {
		buf.WriteString("All store commits matched\n")
	} else {
		fmt.Fprintf(&buf, "Found %d divergence(s)\n", c.divergences)
		fmt.Fprintf(&buf, "First divergence: %s\n", c.firstDivergent.String())
	}
	if c.queue.Overflowed() {
		buf.WriteString("Store queue overflowed; later commits were not recorded\n")
	}
	if left := c.queue.Len(); left > 0 {
		fmt.Fprintf(&buf, "%d simulator store(s) left unchecked\n", left)
	}
	return buf.String()
}

// Reset clears the counters and the underlying queue.
func (c *Checker) Reset() {
	c.queue.Reset()
	c.steps = 0
	c.divergences = 0
	c.firstDivergent = nil
}
