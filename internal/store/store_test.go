package store

import (
	"context"
	"testing"
	"time"
)

func TestJoinTrimsAndSkipsEmptySegments(t *testing.T) {
	joined := Join("chatrooms/", "", "devteam", "/messages")
	if joined != "chatrooms/devteam/messages" {
		t.Fatalf("unexpected join result: %q", joined)
	}
}

func TestReadContextBoundsUndeadlinedReads(t *testing.T) {
	bounded, cancel := ReadContext(context.Background())
	defer cancel()
	deadline, ok := bounded.Deadline()
	if !ok {
		t.Fatalf("expected a deadline on the derived context")
	}
	if remaining := time.Until(deadline); remaining > DefaultReadWindow {
		t.Fatalf("deadline %v exceeds the read window", remaining)
	}
}

func TestReadContextKeepsExistingDeadline(t *testing.T) {
	want := time.Now().Add(50 * time.Millisecond)
	parent, parentCancel := context.WithDeadline(context.Background(), want)
	defer parentCancel()

	bounded, cancel := ReadContext(parent)
	defer cancel()
	deadline, ok := bounded.Deadline()
	if !ok {
		t.Fatalf("expected the parent deadline to survive")
	}
	if !deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", deadline, want)
	}
}

func TestPutMergesFields(t *testing.T) {
	memory := NewMemoryStore()
	ctx := context.Background()

	if err := memory.Put(ctx, "chatrooms/devteam/info", Value{"name": "Dev Team"}); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	if err := memory.Put(ctx, "chatrooms/devteam/info", Value{"creator": "0xabc"}); err != nil {
		t.Fatalf("second put failed: %v", err)
	}

	node, err := memory.Once(ctx, "chatrooms/devteam/info")
	if err != nil {
		t.Fatalf("once failed: %v", err)
	}
	name, _ := node.String("name")
	creator, _ := node.String("creator")
	if name != "Dev Team" || creator != "0xabc" {
		t.Fatalf("fields did not merge: %#v", node)
	}
}

func TestOnceMissingNodeYieldsNil(t *testing.T) {
	memory := NewMemoryStore()
	node, err := memory.Once(context.Background(), "chatrooms/absent/info")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if node != nil {
		t.Fatalf("expected nil for missing node, got %#v", node)
	}
}

func TestTombstoneRemovesChild(t *testing.T) {
	memory := NewMemoryStore()
	ctx := context.Background()

	if err := memory.Put(ctx, "invites/ABCD1234", Value{"used": false}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := memory.Put(ctx, "invites/ABCD1234", nil); err != nil {
		t.Fatalf("tombstone put failed: %v", err)
	}

	children, err := memory.Children(ctx, "invites")
	if err != nil {
		t.Fatalf("children failed: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("expected no children after tombstone, got %d", len(children))
	}
}

func TestSubscribeReplaysExistingChildrenThenDeliversNew(t *testing.T) {
	memory := NewMemoryStore()
	ctx := context.Background()

	if err := memory.Put(ctx, "rooms/general/users/0xaaa", Value{"isOnline": true}); err != nil {
		t.Fatalf("seed put failed: %v", err)
	}

	var keys []string
	cancel := memory.Subscribe("rooms/general/users", func(key string, value Value) {
		keys = append(keys, key)
	})
	defer cancel()

	if err := memory.Put(ctx, "rooms/general/users/0xbbb", Value{"isOnline": true}); err != nil {
		t.Fatalf("live put failed: %v", err)
	}

	if len(keys) != 2 || keys[0] != "0xaaa" || keys[1] != "0xbbb" {
		t.Fatalf("unexpected delivery order: %v", keys)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	memory := NewMemoryStore()
	ctx := context.Background()

	delivered := 0
	cancel := memory.Subscribe("rooms/general/messages", func(key string, value Value) {
		delivered++
	})
	cancel()
	cancel() // second call must be harmless

	if err := memory.Put(ctx, "rooms/general/messages/msg_1_a", Value{"text": "hi"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("expected no deliveries after cancel, got %d", delivered)
	}
}

func TestValueInt64AcceptsFloatEncoding(t *testing.T) {
	value := Value{"timestamp": float64(1700000000123)}
	timestamp, ok := value.Int64("timestamp")
	if !ok || timestamp != 1700000000123 {
		t.Fatalf("unexpected decode: %d %v", timestamp, ok)
	}
}
