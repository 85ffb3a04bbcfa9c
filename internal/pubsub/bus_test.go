package pubsub

import (
	"testing"
	"time"
)

func TestPublishSubscribeFIFO(t *testing.T) {
	b := New(nil)
	defer b.Close()

	stream := b.Subscribe("DEVICE_SNAPSHOT")
	b.Publish("DEVICE_SNAPSHOT", "a")
	b.Publish("DEVICE_SNAPSHOT", "b")

	done := make(chan struct{})
	msg1, ok := stream.Recv(done)
	if !ok || msg1.Payload != "a" {
		t.Fatalf("expected a first, got %+v ok=%v", msg1, ok)
	}
	msg2, ok := stream.Recv(done)
	if !ok || msg2.Payload != "b" {
		t.Fatalf("expected b second, got %+v ok=%v", msg2, ok)
	}
}

func TestSubscriberIsolationSlowConsumerDoesNotBlockOthers(t *testing.T) {
	b := New(nil)
	defer b.Close()
	b.SetTopicPolicy("T", TopicPolicy{Capacity: 1, OnOverflow: DropOldest, MetricsWindowSec: 30})

	slow := b.Subscribe("T")
	fast := b.Subscribe("T")

	b.Publish("T", 1)
	b.Publish("T", 2)
	b.Publish("T", 3)

	done := make(chan struct{})
	close(done)
	msg, ok := slow.Recv(done)
	if !ok || msg.Payload != 3 {
		t.Fatalf("expected drop_oldest to leave latest value 3, got %+v", msg)
	}
	_, _ = fast.Recv(done)
}

func TestCloseUnblocksReaders(t *testing.T) {
	b := New(nil)
	stream := b.Subscribe("T")
	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Close()
	}()
	done := make(chan struct{})
	_, ok := stream.Recv(done)
	if ok {
		t.Fatal("expected stream closed after bus Close")
	}
}

func TestBlockProducerBlocksUntilSubscriberDrains(t *testing.T) {
	b := New(nil)
	defer b.Close()
	b.SetTopicPolicy("T", TopicPolicy{Capacity: 1, OnOverflow: BlockProducer, MetricsWindowSec: 30})
	stream := b.Subscribe("T")

	b.Publish("T", 1) // fills the buffer, does not block

	published := make(chan struct{})
	go func() {
		b.Publish("T", 2) // buffer full, must block until Recv drains "1"
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("expected Publish to block while the subscriber's buffer is full")
	case <-time.After(20 * time.Millisecond):
	}

	done := make(chan struct{})
	close(done)
	msg, ok := stream.Recv(done)
	if !ok || msg.Payload != 1 {
		t.Fatalf("expected first queued value 1, got %+v ok=%v", msg, ok)
	}

	select {
	case <-published:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected blocked Publish to proceed once the buffer drained")
	}

	msg, ok = stream.Recv(done)
	if !ok || msg.Payload != 2 {
		t.Fatalf("expected second value 2 delivered after unblocking, got %+v ok=%v", msg, ok)
	}
}

func TestBlockProducerUnblocksOnClose(t *testing.T) {
	b := New(nil)
	b.SetTopicPolicy("T", TopicPolicy{Capacity: 1, OnOverflow: BlockProducer, MetricsWindowSec: 30})
	_ = b.Subscribe("T")

	b.Publish("T", 1)

	published := make(chan struct{})
	go func() {
		b.Publish("T", 2)
		close(published)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case <-published:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected a blocked Publish to return once the bus closed")
	}
}

func TestDropOldestOverflowRecordsDrop(t *testing.T) {
	b := New(nil)
	defer b.Close()
	b.SetTopicPolicy("T", TopicPolicy{Capacity: 2, OnOverflow: DropOldest, MetricsWindowSec: 30})
	_ = b.Subscribe("T")

	for i := 0; i < 5; i++ {
		b.Publish("T", i)
	}
	b.mu.RLock()
	drops := b.drops["T"]
	b.mu.RUnlock()
	if drops != 3 {
		t.Errorf("expected 3 drops (5 published, capacity 2), got %d", drops)
	}
}
