package events

import (
	"sync"
	"testing"
)

func TestFeed_DeliveryOrder(t *testing.T) {
	feed := NewFeed[int]()

	var got []string
	feed.Subscribe(func(v int) { got = append(got, "first") })
	feed.Subscribe(func(v int) { got = append(got, "second") })
	feed.Subscribe(func(v int) { got = append(got, "third") })

	feed.Publish(42)

	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("expected %d deliveries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestFeed_SynchronousDelivery(t *testing.T) {
	feed := NewFeed[string]()

	received := ""
	feed.Subscribe(func(v string) { received = v })

	feed.Publish("hello")
	if received != "hello" {
		t.Errorf("expected subscriber to run before Publish returns, got %q", received)
	}
}

func TestFeed_NoSubscribers(t *testing.T) {
	feed := NewFeed[struct{}]()
	// Publishing with no subscribers must not panic.
	feed.Publish(struct{}{})
}

func TestFeed_ConcurrentPublish(t *testing.T) {
	feed := NewFeed[int]()

	var mu sync.Mutex
	count := 0
	feed.Subscribe(func(v int) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			feed.Publish(1)
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("expected 50 deliveries, got %d", count)
	}
}
