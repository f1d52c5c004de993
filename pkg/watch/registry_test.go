package watch

import "testing"

func TestSubscribeAndPublish(t *testing.T) {
	r := NewRegistry(10)
	col := [16]byte{1}
	sub := r.Subscribe(col, Filter{})

	ev := Event{CollectiveID: col, Type: Created, CSN: 1}
	r.Publish(ev, nil, 0)

	select {
	case got := <-sub.Events():
		if got.CSN != 1 {
			t.Fatalf("expected CSN 1, got %d", got.CSN)
		}
	default:
		t.Fatal("expected event to be delivered")
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	r := NewRegistry(1)
	col := [16]byte{1}
	sub := r.Subscribe(col, Filter{})

	r.Publish(Event{CollectiveID: col, CSN: 1}, nil, 0)
	r.Publish(Event{CollectiveID: col, CSN: 2}, nil, 0) // buffer full, should drop

	if sub.Lag() != 1 {
		t.Fatalf("expected lag 1, got %d", sub.Lag())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRegistry(10)
	col := [16]byte{1}
	sub := r.Subscribe(col, Filter{})
	r.Unsubscribe(col, sub)

	r.Publish(Event{CollectiveID: col, CSN: 1}, nil, 0)

	select {
	case <-sub.Events():
		t.Fatal("expected no event after unsubscribe")
	default:
	}
}

func TestFilterByType(t *testing.T) {
	r := NewRegistry(10)
	col := [16]byte{1}
	sub := r.Subscribe(col, NewFilter(nil, []EventType{Deleted}, nil))

	r.Publish(Event{CollectiveID: col, Type: Created, CSN: 1}, nil, 0)
	select {
	case <-sub.Events():
		t.Fatal("expected Created event to be filtered out")
	default:
	}

	r.Publish(Event{CollectiveID: col, Type: Deleted, CSN: 2}, nil, 0)
	select {
	case got := <-sub.Events():
		if got.Type != Deleted {
			t.Fatalf("expected Deleted event, got %v", got.Type)
		}
	default:
		t.Fatal("expected Deleted event to be delivered")
	}
}

func TestFilterByMinImportance(t *testing.T) {
	r := NewRegistry(10)
	col := [16]byte{1}
	min := 0.5
	sub := r.Subscribe(col, NewFilter(nil, nil, &min))

	r.Publish(Event{CollectiveID: col, CSN: 1}, nil, 0.1)
	select {
	case <-sub.Events():
		t.Fatal("expected low-importance event filtered out")
	default:
	}

	r.Publish(Event{CollectiveID: col, CSN: 2}, nil, 0.9)
	select {
	case <-sub.Events():
	default:
		t.Fatal("expected high-importance event delivered")
	}
}
