package run

import (
	"testing"
	"time"
)

func TestBroadcasterPublishAndNext(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("r1")
	defer b.Unsubscribe("r1", sub)

	env := Envelope{Type: EventRunMeta, CreatedAt: time.Now().UTC()}
	b.Publish("r1", env)

	got, ok := sub.Next()
	if !ok {
		t.Fatal("Next returned ok=false")
	}
	if got.Type != EventRunMeta {
		t.Errorf("got.Type = %v", got.Type)
	}
}

func TestBroadcasterFIFOOrder(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("r1")
	defer b.Unsubscribe("r1", sub)

	for i := 0; i < 5; i++ {
		b.Publish("r1", Envelope{Type: EventCodexNotification, Data: []byte{byte('0' + i)}})
	}
	for i := 0; i < 5; i++ {
		got, ok := sub.Next()
		if !ok {
			t.Fatalf("Next(%d) returned ok=false", i)
		}
		if got.Data[0] != byte('0'+i) {
			t.Errorf("event %d out of order: got %q", i, got.Data)
		}
	}
}

func TestBroadcasterDoesNotCrossRuns(t *testing.T) {
	b := NewBroadcaster()
	subA := b.Subscribe("a")
	subB := b.Subscribe("b")
	defer b.Unsubscribe("a", subA)
	defer b.Unsubscribe("b", subB)

	b.Publish("a", Envelope{Type: EventRunMeta})

	done := make(chan struct{})
	go func() {
		subB.Next()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("subscriber on run b received an event published for run a")
	case <-time.After(50 * time.Millisecond):
	}
	subB.Dispose()
	<-done
}

func TestBroadcasterUnsubscribeUnblocksNext(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("r1")

	done := make(chan bool, 1)
	go func() {
		_, ok := sub.Next()
		done <- ok
	}()

	b.Unsubscribe("r1", sub)
	select {
	case ok := <-done:
		if ok {
			t.Error("Next() returned ok=true after Unsubscribe, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("Next() did not unblock after Unsubscribe")
	}
}

func TestBroadcasterPublishNonBlockingForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("r1")
	defer b.Unsubscribe("r1", sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			b.Publish("r1", Envelope{Type: EventCodexNotification})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked despite subscriber never draining")
	}
}
