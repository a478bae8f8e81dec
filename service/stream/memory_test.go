package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryBrokerKeyOrdering(t *testing.T) {
	b := NewMemoryBroker(4)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := b.Publish(ctx, Record{Topic: TopicPushTasks, Key: "conv-1", Value: []byte{byte(i)}}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	var got []byte
	n, err := b.Poll(ctx, "g", []string{TopicPushTasks}, func(_ context.Context, rec Record) error {
		got = append(got, rec.Value[0])
		return nil
	})
	if err != nil || n != 10 {
		t.Fatalf("poll n=%d err=%v", n, err)
	}
	for i, v := range got {
		if int(v) != i {
			t.Fatalf("records for one key out of order: %v", got)
		}
	}
	if b.Lag("g", TopicPushTasks) != 0 {
		t.Fatalf("lag should be zero after poll")
	}
}

func TestMemoryBrokerFailedRecordRedelivered(t *testing.T) {
	b := NewMemoryBroker(1)
	ctx := context.Background()
	_ = b.Publish(ctx, Record{Topic: TopicStorageCreated, Key: "m1", Value: []byte("a")})

	boom := errors.New("boom")
	if _, err := b.Poll(ctx, "g", []string{TopicStorageCreated}, func(context.Context, Record) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if b.Lag("g", TopicStorageCreated) != 1 {
		t.Fatalf("failed record must stay uncommitted")
	}
	n, err := b.Poll(ctx, "g", []string{TopicStorageCreated}, func(context.Context, Record) error { return nil })
	if err != nil || n != 1 {
		t.Fatalf("redelivery n=%d err=%v", n, err)
	}
	// 另一个组独立消费
	if b.Lag("other", TopicStorageCreated) != 1 {
		t.Fatalf("groups must have independent offsets")
	}
}

func TestMemoryBrokerConsumeWakesOnPublish(t *testing.T) {
	b := NewMemoryBroker(2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	seen := 0
	done := make(chan struct{})
	go func() {
		_ = b.Consume(ctx, "g", []string{TopicPushAcks}, func(context.Context, Record) error {
			mu.Lock()
			seen++
			if seen == 3 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()
	for i := 0; i < 3; i++ {
		_ = b.Publish(ctx, Record{Topic: TopicPushAcks, Key: "k"})
	}
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("consumer did not see all records")
	}
}

func TestPublishErrorInjection(t *testing.T) {
	b := NewMemoryBroker(1)
	boom := errors.New("down")
	b.SetPublishError(boom)
	if err := b.Publish(context.Background(), Record{Topic: TopicPushDLQ}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	b.SetPublishError(nil)
	if err := b.Publish(context.Background(), Record{Topic: TopicPushDLQ}); err != nil {
		t.Fatalf("publish after reset: %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	type v struct{ A int }
	if _, err := Decode[v](Record{Value: []byte("{")}); err == nil {
		t.Fatalf("expected decode error")
	}
	got, err := Decode[v](Record{Value: []byte(`{"A":3}`)})
	if err != nil || got.A != 3 {
		t.Fatalf("decode: %v %+v", err, got)
	}
}
