package bus

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTickCompleted)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTickCompleted, TickCompletedEvent{TickNumber: 3, Card: "calm-drift"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicTickCompleted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTickCompleted)
		}
		payload, ok := event.Payload.(TickCompletedEvent)
		if !ok {
			t.Fatalf("payload type %T", event.Payload)
		}
		if payload.TickNumber != 3 || payload.Card != "calm-drift" {
			t.Fatalf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskCompleted, TaskOutcomeEvent{TaskID: "t1"})
	b.Publish(TopicProviderOffline, ProviderOfflineEvent{Reason: "provider-error"})

	select {
	case event := <-taskSub.Ch():
		if event.Topic != TopicTaskCompleted {
			t.Fatalf("topic = %q, want %s", event.Topic, TopicTaskCompleted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}

	// taskSub must not see provider.offline.
	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	// The catch-all subscriber sees both.
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d on allSub", i)
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel not closed after unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}

	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestBus_SlowSubscriberDropsEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicTaskCompleted, i)
	}

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			if received != defaultBufferSize {
				t.Fatalf("received = %d, want %d", received, defaultBufferSize)
			}
			return
		}
	}
}
