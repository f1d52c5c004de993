package watch

import "testing"

func TestPollChangesRingBufferFastPath(t *testing.T) {
	r := NewRegistry(10)
	p := NewPoller(r, 100)
	col := [16]byte{1}

	for i := uint64(1); i <= 3; i++ {
		e := Event{CollectiveID: col, CSN: i}
		p.FeedRingBuffer(e)
	}

	events, newCSN, err := p.PollChanges(col, 1, 3, nil)
	if err != nil {
		t.Fatalf("PollChanges: %v", err)
	}
	if newCSN != 3 {
		t.Fatalf("expected newCSN 3, got %d", newCSN)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestPollChangesNoOpWhenUpToDate(t *testing.T) {
	r := NewRegistry(10)
	p := NewPoller(r, 100)
	col := [16]byte{1}

	events, newCSN, err := p.PollChanges(col, 5, 5, nil)
	if err != nil {
		t.Fatalf("PollChanges: %v", err)
	}
	if len(events) != 0 || newCSN != 5 {
		t.Fatalf("expected no events, got %v csn=%d", events, newCSN)
	}
}

func TestPollChangesFallsBackWhenRingEvicted(t *testing.T) {
	r := NewRegistry(10)
	p := NewPoller(r, 2) // small ring, will evict
	col := [16]byte{1}

	for i := uint64(1); i <= 5; i++ {
		p.FeedRingBuffer(Event{CollectiveID: col, CSN: i})
	}

	fallbackCalled := false
	fallback := func(c [16]byte, since uint64) ([]Event, error) {
		fallbackCalled = true
		return []Event{{CollectiveID: c, CSN: since + 1}}, nil
	}

	_, _, err := p.PollChanges(col, 1, 5, fallback)
	if err != nil {
		t.Fatalf("PollChanges: %v", err)
	}
	if !fallbackCalled {
		t.Fatal("expected fallback to be invoked when ring evicted requested range")
	}
}
