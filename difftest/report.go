package difftest

import (
	"encoding/json"
	"fmt"

	"github.com/colorfulnotion/pmem/log"
	"github.com/colorfulnotion/pmem/memerrors"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

type Verdict int

const (
	Match Verdict = iota
	Mismatch
	Underrun
)

func (v Verdict) String() string {
	switch v {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	case Underrun:
		return "underrun"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Report describes one divergence between the simulator and the reference.
// Actual is nil for an underrun.
type Report struct {
	Kind     Verdict
	Step     uint64
	PC       uint64
	Expected StoreCommit
	Actual   *StoreCommit
}

// Err returns the taxonomy error for the report.
func (r Report) Err() error {
	switch r.Kind {
	case Underrun:
		return fmt.Errorf("step %d pc 0x%x: %w", r.Step, r.PC, memerrors.ErrUnderrun)
	case Mismatch:
		return fmt.Errorf("step %d pc 0x%x: %w", r.Step, r.PC, memerrors.ErrMismatch)
	default:
		return nil
	}
}

func (r Report) String() string {
	if r.Actual == nil {
		return fmt.Sprintf("Step %d: simulator does not commit any store, ref paddr = 0x%x, data = 0x%x (pc = 0x%08x)",
			r.Step, r.Expected.Addr, r.Expected.Data, r.PC)
	}
	return fmt.Sprintf("Step %d: ref different at pc = 0x%08x, paddr = 0x%x, data = 0x%x, ref paddr = 0x%x, ref data = 0x%x",
		r.Step, r.PC, r.Actual.Addr, r.Actual.Data, r.Expected.Addr, r.Expected.Data)
}

type commitJSON struct {
	Addr string `json:"paddr"`
	Data string `json:"data"`
}

func toJSON(c *StoreCommit) ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(commitJSON{
		Addr: fmt.Sprintf("0x%x", c.Addr),
		Data: fmt.Sprintf("0x%x", c.Data),
	})
}

// Diff renders expected (reference) against actual (simulator) as an ASCII
// JSON diff. An empty string means the two sides agree.
func (r Report) Diff() (string, error) {
	expJSON, err := toJSON(&r.Expected)
	if err != nil {
		return "", fmt.Errorf("encode expected store commit: %w", err)
	}
	actJSON, err := toJSON(r.Actual)
	if err != nil {
		return "", fmt.Errorf("encode actual store commit: %w", err)
	}

	differ := gojsondiff.New()
	delta, err := differ.Compare(expJSON, actJSON)
	if err != nil {
		return "", fmt.Errorf("diff store commit: %w", err)
	}
	if !delta.Modified() {
		return "", nil
	}
	var left interface{}
	if err := json.Unmarshal(expJSON, &left); err != nil {
		return "", fmt.Errorf("decode expected store commit: %w", err)
	}
	asciiFmt := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{})
	return asciiFmt.Format(delta)
}

// Sink receives the diagnostics of the difftest channel.
type Sink interface {
	// Overflow is called once, when the store queue first overflows.
	Overflow()
	Divergence(r Report)
}

// LogSink reports through the module logger.
type LogSink struct{}

func (LogSink) Overflow() {
	log.Warn(log.DifftestMonitoring, "difftest store queue overflow, difftest store commit disabled",
		"err", memerrors.GetErrorCodeWithName(memerrors.ErrQueueOverflow))
}

func (LogSink) Divergence(r Report) {
	ctx := []interface{}{
		"kind", r.Kind.String(),
		"step", r.Step,
		"pc", fmt.Sprintf("0x%08x", r.PC),
		"ref_paddr", fmt.Sprintf("0x%x", r.Expected.Addr),
		"ref_data", fmt.Sprintf("0x%x", r.Expected.Data),
	}
	if r.Actual != nil {
		ctx = append(ctx,
			"paddr", fmt.Sprintf("0x%x", r.Actual.Addr),
			"data", fmt.Sprintf("0x%x", r.Actual.Data))
	}
	log.Error(log.DifftestMonitoring, "store commit divergence", ctx...)
	if diff, err := r.Diff(); err == nil && diff != "" {
		log.Debug(log.DifftestMonitoring, "store commit diff", "diff", diff)
	}
}
