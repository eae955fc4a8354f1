package difftest

import "io"

// StoreEvent is one store commit reported by the reference model, already in
// lane-normalized form.
type StoreEvent struct {
	Addr uint64
	Data uint64
}

// Feed delivers reference store events in program order and returns io.EOF
// after the last one.
type Feed interface {
	Next() (StoreEvent, error)
}

// SliceFeed replays a fixed list of events.
type SliceFeed struct {
	events []StoreEvent
	pos    int
}

func NewSliceFeed(events ...StoreEvent) *SliceFeed {
	return &SliceFeed{events: events}
}

func (f *SliceFeed) Next() (StoreEvent, error) {
	if f.pos >= len(f.events) {
		return StoreEvent{}, io.EOF
	}
	ev := f.events[f.pos]
	f.pos++
	return ev, nil
}
