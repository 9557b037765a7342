package rooms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/decentralchat/engine/internal/identity"
	"github.com/decentralchat/engine/internal/store"
)

func fixedClock(unixMilli int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(unixMilli) }
}

func mustAddress(t *testing.T, raw string) identity.Address {
	t.Helper()
	address, err := identity.NewAddress(raw)
	if err != nil {
		t.Fatalf("bad test address %q: %v", raw, err)
	}
	return address
}

func newTestRegistry(t *testing.T) (*Registry, *store.MemoryStore) {
	t.Helper()
	memory := store.NewMemoryStore()
	registry, err := NewRegistry(RegistryConfig{
		Store: memory,
		Clock: fixedClock(1700000000000),
	})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return registry, memory
}

func TestDeriveRoomID(t *testing.T) {
	cases := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "Dev Team", want: "devteam"},
		{name: "General", want: "general"},
		{name: "room-42!", want: "room42"},
		{name: "A", wantErr: true},
		{name: "!!!", wantErr: true},
		{name: "This Is A Very Long Room Name That Keeps Going On", want: "thisisaverylongroomnamethatkeeps"},
	}
	for _, testCase := range cases {
		got, err := DeriveRoomID(testCase.name)
		if testCase.wantErr {
			if !errors.Is(err, ErrInvalidRoomName) {
				t.Fatalf("%q: expected ErrInvalidRoomName, got %v", testCase.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", testCase.name, err)
		}
		if got != testCase.want {
			t.Fatalf("%q: expected id %q, got %q", testCase.name, testCase.want, got)
		}
		again, err := DeriveRoomID(got)
		if err != nil || again != got {
			t.Fatalf("%q: derivation not idempotent: %q -> %q (%v)", testCase.name, got, again, err)
		}
	}
}

// deadlineRecordingStore wraps a MemoryStore and captures whether reads
// arrive with a deadline.
type deadlineRecordingStore struct {
	*store.MemoryStore
	sawDeadline bool
}

func (s *deadlineRecordingStore) Once(ctx context.Context, path string) (store.Value, error) {
	if _, ok := ctx.Deadline(); ok {
		s.sawDeadline = true
	}
	return s.MemoryStore.Once(ctx, path)
}

func TestLookupsBoundReadsWithWindow(t *testing.T) {
	recording := &deadlineRecordingStore{MemoryStore: store.NewMemoryStore()}
	registry, err := NewRegistry(RegistryConfig{
		Store: recording,
		Clock: fixedClock(1700000000000),
	})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	creator := identity.User{Address: mustAddress(t, "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa"), Nickname: "alice"}
	roomID, err := registry.CreateRoom(context.Background(), "Dev Team", false, creator)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	recording.sawDeadline = false
	if _, err := registry.GetRoomInfo(context.Background(), roomID); err != nil {
		t.Fatalf("info read failed: %v", err)
	}
	if !recording.sawDeadline {
		t.Fatalf("expected the info read to carry a deadline")
	}

	recording.sawDeadline = false
	if _, err := registry.GetMember(context.Background(), roomID, creator.Address); err != nil {
		t.Fatalf("member read failed: %v", err)
	}
	if !recording.sawDeadline {
		t.Fatalf("expected the member read to carry a deadline")
	}
}

func TestCreateRoomWritesMetadataAndAdminMembership(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	creator := identity.User{Address: mustAddress(t, "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa"), Nickname: "alice"}

	roomID, err := registry.CreateRoom(ctx, "Dev Team", false, creator)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if roomID != "devteam" {
		t.Fatalf("unexpected room id: %s", roomID)
	}

	room, err := registry.GetRoomInfo(ctx, roomID)
	if err != nil {
		t.Fatalf("get room info failed: %v", err)
	}
	if !room.Complete() {
		t.Fatalf("room metadata incomplete: %#v", room)
	}
	if room.Name != "Dev Team" || room.Creator != creator.Address || room.MemberCount != 1 {
		t.Fatalf("unexpected room metadata: %#v", room)
	}

	member, err := registry.GetMember(ctx, roomID, creator.Address)
	if err != nil {
		t.Fatalf("get member failed: %v", err)
	}
	if member.Role != RoleAdmin {
		t.Fatalf("creator should be admin, got %s", member.Role)
	}
	if member.Permissions != PermissionsForRole(RoleAdmin) {
		t.Fatalf("creator should hold the full permission set: %#v", member.Permissions)
	}
}

func TestCreateRoomRejectsCollision(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	creator := identity.User{Address: mustAddress(t, "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa")}

	if _, err := registry.CreateRoom(ctx, "Dev Team", false, creator); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	// Different display name, same normalized id.
	if _, err := registry.CreateRoom(ctx, "dev-team", false, creator); !errors.Is(err, ErrRoomExists) {
		t.Fatalf("expected ErrRoomExists, got %v", err)
	}
}

func TestGetRoomInfoToleratesPartialMetadata(t *testing.T) {
	registry, memory := newTestRegistry(t)
	ctx := context.Background()

	// Only one field has replicated so far.
	if err := memory.Put(ctx, InfoPath("halfway"), store.Value{"name": "Halfway"}); err != nil {
		t.Fatalf("seed put failed: %v", err)
	}

	room, err := registry.GetRoomInfo(ctx, "halfway")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if room.Complete() {
		t.Fatalf("room should be incomplete: %#v", room)
	}
	if room.MaxMembers != DefaultMaxMembers {
		t.Fatalf("missing capacity should decode as default, got %d", room.MaxMembers)
	}
}

func TestEnsureMemberFirstJoinIncrementsCount(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	creator := identity.User{Address: mustAddress(t, "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa")}
	joiner := identity.User{Address: mustAddress(t, "0xBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBb"), Nickname: "bob"}

	roomID, err := registry.CreateRoom(ctx, "Dev Team", false, creator)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	member, err := registry.EnsureMember(ctx, roomID, joiner, "")
	if err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	if member.Role != RoleMember {
		t.Fatalf("joiner should be plain member, got %s", member.Role)
	}

	room, err := registry.GetRoomInfo(ctx, roomID)
	if err != nil {
		t.Fatalf("get room info failed: %v", err)
	}
	if room.MemberCount != 2 {
		t.Fatalf("expected member count 2, got %d", room.MemberCount)
	}

	// Rejoin must not re-increment or reset the role.
	if _, err := registry.EnsureMember(ctx, roomID, joiner, ""); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	room, err = registry.GetRoomInfo(ctx, roomID)
	if err != nil {
		t.Fatalf("get room info failed: %v", err)
	}
	if room.MemberCount != 2 {
		t.Fatalf("rejoin changed member count to %d", room.MemberCount)
	}
}

func TestLeaveHomeRoomIsRejected(t *testing.T) {
	registry, _ := newTestRegistry(t)
	address := mustAddress(t, "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa")

	if err := registry.LeaveRoom(context.Background(), DefaultHomeRoom, address); !errors.Is(err, ErrHomeRoom) {
		t.Fatalf("expected ErrHomeRoom, got %v", err)
	}
}

func TestLeaveRoomRemovesMembershipOnly(t *testing.T) {
	registry, memory := newTestRegistry(t)
	ctx := context.Background()
	creator := identity.User{Address: mustAddress(t, "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa")}
	joiner := identity.User{Address: mustAddress(t, "0xBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBb")}

	roomID, err := registry.CreateRoom(ctx, "Dev Team", false, creator)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := registry.EnsureMember(ctx, roomID, joiner, ""); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if err := registry.LeaveRoom(ctx, roomID, joiner.Address); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if _, err := registry.GetMember(ctx, roomID, joiner.Address); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("membership should be gone, got %v", err)
	}

	// The room and the creator's membership survive.
	if _, err := registry.GetRoomInfo(ctx, roomID); err != nil {
		t.Fatalf("room should survive: %v", err)
	}
	if _, err := registry.GetMember(ctx, roomID, creator.Address); err != nil {
		t.Fatalf("creator membership should survive: %v", err)
	}
	if node, _ := memory.Once(ctx, MemberPath(roomID, joiner.Address)); node != nil {
		t.Fatalf("member node should be tombstoned")
	}
}

func TestCheckRoomSecurityRejectsBannedAddress(t *testing.T) {
	registry, memory := newTestRegistry(t)
	ctx := context.Background()
	banned := mustAddress(t, "0xBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBb")

	if err := memory.Put(ctx, BannedPath("devteam", banned), store.Value{"bannedAt": int64(1)}); err != nil {
		t.Fatalf("seed ban failed: %v", err)
	}
	if err := registry.CheckRoomSecurity(ctx, "devteam", banned); !errors.Is(err, ErrBanned) {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
}

func TestCheckRoomSecurityRejectsFullRoom(t *testing.T) {
	memory := store.NewMemoryStore()
	registry, err := NewRegistry(RegistryConfig{
		Store:      memory,
		Clock:      fixedClock(1700000000000),
		MaxMembers: 2,
	})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	ctx := context.Background()
	creator := identity.User{Address: mustAddress(t, "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa")}
	second := identity.User{Address: mustAddress(t, "0xBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBb")}
	third := mustAddress(t, "0xCcCcCcCcCcCcCcCcCcCcCcCcCcCcCcCcCcCcCcCc")

	roomID, err := registry.CreateRoom(ctx, "Tiny Room", false, creator)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := registry.EnsureMember(ctx, roomID, second, ""); err != nil {
		t.Fatalf("second join failed: %v", err)
	}

	if err := registry.CheckRoomSecurity(ctx, roomID, third); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
	// Existing members may always rejoin.
	if err := registry.CheckRoomSecurity(ctx, roomID, second.Address); err != nil {
		t.Fatalf("existing member should pass, got %v", err)
	}
}
