package eventbus

import "testing"

func TestPublishFansOut(t *testing.T) {
	b := New[int]()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	b.Publish(7)
	if got := <-a; got != 7 {
		t.Fatalf("a got %d", got)
	}
	if got := <-c; got != 7 {
		t.Fatalf("c got %d", got)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New[string]()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish("first")
	b.Publish("second")
	if got := <-ch; got != "first" {
		t.Fatalf("got %q", got)
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", b.Dropped())
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New[int]()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers=%d", b.Subscribers())
	}
	b.Publish(1) // must not panic
}
