package eventbus

import (
	"testing"
	"time"
)

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	b := New()
	go b.Run()
	defer b.Stop()

	sub := b.Subscribe(SubscribeOptions{Kinds: []Kind{KindChunkSynced}, FolderKey: "f1"})
	defer b.Unsubscribe(sub)

	time.Sleep(10 * time.Millisecond) // let registration land
	b.Publish(Event{Kind: KindChunkSynced, FolderKey: "f1"})

	select {
	case ev := <-sub.Events:
		if ev.Kind != KindChunkSynced || ev.FolderKey != "f1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscriberFilteredByKindAndFolder(t *testing.T) {
	b := New()
	go b.Run()
	defer b.Stop()

	sub := b.Subscribe(SubscribeOptions{Kinds: []Kind{KindChunkSynced}, FolderKey: "f1"})
	defer b.Unsubscribe(sub)
	time.Sleep(10 * time.Millisecond)

	b.Publish(Event{Kind: KindChunkSynced, FolderKey: "other-folder"})
	b.Publish(Event{Kind: KindPeerConnected, FolderKey: "f1"})
	b.Publish(Event{Kind: KindChunkSynced, FolderKey: "f1"})

	select {
	case ev := <-sub.Events:
		if ev.FolderKey != "f1" || ev.Kind != KindChunkSynced {
			t.Fatalf("expected only the matching event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for matching event")
	}

	select {
	case ev := <-sub.Events:
		t.Fatalf("expected no further events, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	go b.Run()
	defer b.Stop()

	sub := b.Subscribe(SubscribeOptions{})
	b.Unsubscribe(sub)

	select {
	case _, ok := <-sub.Events:
		if ok {
			t.Fatal("expected channel to be closed with no pending events")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestUpdateFilterNarrowsThenWidensSubscription(t *testing.T) {
	b := New()
	go b.Run()
	defer b.Stop()

	sub := b.Subscribe(SubscribeOptions{}) // starts as "all events"
	defer b.Unsubscribe(sub)
	time.Sleep(10 * time.Millisecond)

	b.UpdateFilter(sub, []Kind{KindChunkSynced}, "f1")

	b.Publish(Event{Kind: KindPeerConnected, FolderKey: "f1"})
	b.Publish(Event{Kind: KindChunkSynced, FolderKey: "other"})
	b.Publish(Event{Kind: KindChunkSynced, FolderKey: "f1"})

	select {
	case ev := <-sub.Events:
		if ev.Kind != KindChunkSynced || ev.FolderKey != "f1" {
			t.Fatalf("expected only the narrowly-filtered event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	// Re-widen to "all events" (empty kinds, empty folder).
	b.UpdateFilter(sub, nil, "")
	b.Publish(Event{Kind: KindPeerConnected, FolderKey: "other"})

	select {
	case ev := <-sub.Events:
		if ev.Kind != KindPeerConnected || ev.FolderKey != "other" {
			t.Fatalf("expected the widened event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for widened event")
	}
}

func TestRateLimiterThrottles(t *testing.T) {
	b := New()
	go b.Run()
	defer b.Stop()

	// 2 events/sec with a burst of 1: the first publish spends the only
	// token immediately, and the next refill doesn't land until 500ms,
	// well past this test's 300ms observation window.
	sub := b.Subscribe(SubscribeOptions{RateLimit: 2, Burst: 1, BufferSize: 4})
	defer b.Unsubscribe(sub)
	time.Sleep(10 * time.Millisecond)

	b.Publish(Event{Kind: KindSyncError})
	b.Publish(Event{Kind: KindSyncError})
	b.Publish(Event{Kind: KindSyncError})

	received := 0
	deadline := time.After(300 * time.Millisecond)
loop:
	for {
		select {
		case <-sub.Events:
			received++
		case <-deadline:
			break loop
		}
	}
	if received != 1 {
		t.Fatalf("expected exactly 1 event to pass the rate limiter within the window, got %d", received)
	}
}
