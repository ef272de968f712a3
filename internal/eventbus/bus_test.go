package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type received struct {
	userID  string
	payload string
}

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestUserChannel(t *testing.T) {
	if got := UserChannel("u1"); got != "calendar:events:user:u1" {
		t.Fatalf("unexpected channel %q", got)
	}
}

func TestNilBusIsNoop(t *testing.T) {
	var b *Bus
	if err := b.Publish(context.Background(), "u1", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := New(nil).Subscribe(context.Background(), func(string, []byte) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := New(nil).Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan received, 4)
	if err := b.Subscribe(ctx, func(userID string, payload []byte) {
		got <- received{userID, string(payload)}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(context.Background(), "u1", []byte(`{"type":"schedule.updated"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-got:
		if msg.userID != "u1" || msg.payload != `{"type":"schedule.updated"}` {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
}

func TestSubscriberSurvivesPanic(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 4)
	if err := b.Subscribe(ctx, func(userID string, payload []byte) {
		if string(payload) == "boom" {
			panic("boom")
		}
		got <- string(payload)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = b.Publish(context.Background(), "u1", []byte("boom"))
	_ = b.Publish(context.Background(), "u1", []byte("ok"))

	select {
	case p := <-got:
		if p != "ok" {
			t.Fatalf("unexpected payload %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber stopped after panic")
	}
}

func TestSubscribeStopsOnCancel(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan string, 4)
	if err := b.Subscribe(ctx, func(_ string, payload []byte) {
		got <- string(payload)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	time.Sleep(50 * time.Millisecond)

	_ = b.Publish(context.Background(), "u1", []byte("after-cancel"))
	select {
	case p := <-got:
		t.Fatalf("received %q after cancel", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	if _, err := Connect(context.Background(), "not-a-url"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestConnect(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	b, err := Connect(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = b.Close() }()
	if !b.Enabled() {
		t.Fatalf("expected enabled bus")
	}
}
