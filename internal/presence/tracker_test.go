package presence

import (
	"context"
	"testing"
	"time"

	"github.com/decentralchat/engine/internal/identity"
	"github.com/decentralchat/engine/internal/rooms"
	"github.com/decentralchat/engine/internal/store"
)

func mustAddress(t *testing.T, raw string) identity.Address {
	t.Helper()
	address, err := identity.NewAddress(raw)
	if err != nil {
		t.Fatalf("bad test address %q: %v", raw, err)
	}
	return address
}

func newTestTracker(t *testing.T) (*Tracker, *store.MemoryStore) {
	t.Helper()
	memory := store.NewMemoryStore()
	tracker, err := NewTracker(TrackerConfig{
		Store: memory,
		Clock: func() time.Time { return time.UnixMilli(1700000000000) },
	})
	if err != nil {
		t.Fatalf("failed to build tracker: %v", err)
	}
	return tracker, memory
}

func TestPublishWritesGlobalAndRoomRecords(t *testing.T) {
	tracker, memory := newTestTracker(t)
	ctx := context.Background()
	user := identity.User{Address: mustAddress(t, "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa"), Nickname: "alice"}

	tracker.Publish(ctx, user, "general", true)

	global, err := memory.Once(ctx, GlobalPath(user.Address))
	if err != nil || global == nil {
		t.Fatalf("global record missing: %v", err)
	}
	isOnline, _ := global.Bool("isOnline")
	lastSeen, _ := global.Int64("lastSeen")
	if !isOnline || lastSeen != 1700000000000 {
		t.Fatalf("unexpected global record: %#v", global)
	}

	member, err := memory.Once(ctx, rooms.MemberPath("general", user.Address))
	if err != nil || member == nil {
		t.Fatalf("room member record missing: %v", err)
	}
	memberOnline, _ := member.Bool("isOnline")
	if !memberOnline {
		t.Fatalf("room online flag not set: %#v", member)
	}
}

func TestToggleFlipsVisibilityAndRepublishes(t *testing.T) {
	tracker, memory := newTestTracker(t)
	ctx := context.Background()
	user := identity.User{Address: mustAddress(t, "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa")}

	if !tracker.Visible() {
		t.Fatalf("visibility should start enabled")
	}
	if visible := tracker.Toggle(ctx, user, ""); visible {
		t.Fatalf("toggle should disable visibility")
	}

	global, err := memory.Once(ctx, GlobalPath(user.Address))
	if err != nil || global == nil {
		t.Fatalf("global record missing: %v", err)
	}
	isOnline, _ := global.Bool("isOnline")
	if isOnline {
		t.Fatalf("invisible user should publish offline")
	}
}

func TestSetOnlineStatusRespectsVisibility(t *testing.T) {
	tracker, memory := newTestTracker(t)
	ctx := context.Background()
	user := identity.User{Address: mustAddress(t, "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa")}

	tracker.Toggle(ctx, user, "") // go invisible
	tracker.SetOnlineStatus(ctx, user, "", true)

	global, _ := memory.Once(ctx, GlobalPath(user.Address))
	isOnline, _ := global.Bool("isOnline")
	if isOnline {
		t.Fatalf("invisible user must not publish online")
	}
}

func TestWatchRoomAggregatesOnlineMembers(t *testing.T) {
	tracker, memory := newTestTracker(t)
	ctx := context.Background()
	alice := mustAddress(t, "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa")
	bob := mustAddress(t, "0xBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBb")

	// Alice is already present before the watch attaches.
	if err := memory.Put(ctx, rooms.MemberPath("general", alice), store.Value{"isOnline": true, "nickname": "alice"}); err != nil {
		t.Fatalf("seed put failed: %v", err)
	}

	var lastSnapshot []Record
	cancel := tracker.WatchRoom("general", func(records []Record) {
		lastSnapshot = records
	})
	defer cancel()

	if len(tracker.OnlineMembers()) != 1 {
		t.Fatalf("expected one replayed member, got %d", len(tracker.OnlineMembers()))
	}

	if err := memory.Put(ctx, rooms.MemberPath("general", bob), store.Value{"isOnline": true}); err != nil {
		t.Fatalf("bob put failed: %v", err)
	}
	if len(lastSnapshot) != 2 {
		t.Fatalf("expected two online members, got %d", len(lastSnapshot))
	}

	// Going offline removes the member from the aggregate.
	if err := memory.Put(ctx, rooms.MemberPath("general", bob), store.Value{"isOnline": false}); err != nil {
		t.Fatalf("bob offline put failed: %v", err)
	}
	if len(lastSnapshot) != 1 {
		t.Fatalf("offline member should drop out, got %d", len(lastSnapshot))
	}

	// A tombstoned member drops out as well.
	if err := memory.Put(ctx, rooms.MemberPath("general", alice), nil); err != nil {
		t.Fatalf("alice tombstone failed: %v", err)
	}
	if len(lastSnapshot) != 0 {
		t.Fatalf("tombstoned member should drop out, got %d", len(lastSnapshot))
	}
}

func TestWatchRoomResetsAggregateBetweenRooms(t *testing.T) {
	tracker, memory := newTestTracker(t)
	ctx := context.Background()
	alice := mustAddress(t, "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa")

	if err := memory.Put(ctx, rooms.MemberPath("general", alice), store.Value{"isOnline": true}); err != nil {
		t.Fatalf("seed put failed: %v", err)
	}
	cancel := tracker.WatchRoom("general", nil)
	if len(tracker.OnlineMembers()) != 1 {
		t.Fatalf("expected one member in general")
	}
	cancel()

	cancelSecond := tracker.WatchRoom("devteam", nil)
	defer cancelSecond()
	if len(tracker.OnlineMembers()) != 0 {
		t.Fatalf("aggregate should reset on room switch")
	}
}
