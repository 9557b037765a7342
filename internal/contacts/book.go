package contacts

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/decentralchat/engine/internal/identity"
	"github.com/decentralchat/engine/internal/localdata"
	"github.com/decentralchat/engine/internal/store"
	"go.uber.org/zap"
)

const (
	cacheKeyContacts = "contacts"
	pathRoot         = "contacts"
)

var (
	// ErrSelfChat indicates an attempt to open a direct chat with oneself.
	ErrSelfChat = errors.New("contacts: cannot start a chat with yourself")

	errMissingStore = errors.New("contacts: store is required")
)

// Contact is one direct-chat counterparty.
type Contact struct {
	Address       identity.Address `json:"address"`
	Nickname      string           `json:"nickname"`
	AddedAt       int64            `json:"addedAt"`       // ms
	LastMessageAt int64            `json:"lastMessageAt"` // ms
}

// BookConfig carries the dependencies for the contact book.
type BookConfig struct {
	Store  store.Store
	Cache  *localdata.Cache
	Clock  func() time.Time
	Logger *zap.Logger
}

// Book tracks direct-chat counterparties, persisted locally per user and
// mirrored to the shared store.
type Book struct {
	store  store.Store
	cache  *localdata.Cache
	clock  func() time.Time
	logger *zap.Logger
}

// NewBook validates configuration and constructs the contact book.
func NewBook(cfg BookConfig) (*Book, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Book{
		store:  cfg.Store,
		cache:  cfg.Cache,
		clock:  clock,
		logger: logger,
	}, nil
}

// DirectChannelID derives the canonical channel id for a pair of addresses:
// lowercase both, sort, join. Both participants compute the identical id
// without coordination.
func DirectChannelID(a, b identity.Address) string {
	pair := []string{a.String(), b.String()}
	sort.Strings(pair)
	return pair[0] + "_" + pair[1]
}

// StartDirectChat validates the peer, records it as a contact (idempotent),
// and returns the canonical direct channel id.
func (b *Book) StartDirectChat(ctx context.Context, owner identity.User, rawPeer string) (string, identity.Address, error) {
	peer, err := identity.NewAddress(rawPeer)
	if err != nil {
		return "", "", err
	}
	if peer == owner.Address {
		return "", "", ErrSelfChat
	}

	if err := b.add(ctx, owner, peer); err != nil {
		return "", "", err
	}
	return DirectChannelID(owner.Address, peer), peer, nil
}

// Contacts returns the owner's contact list, most recent activity first.
func (b *Book) Contacts(owner identity.Address) []Contact {
	contactList := b.load(owner)
	sort.Slice(contactList, func(i, j int) bool {
		return contactList[i].LastMessageAt > contactList[j].LastMessageAt
	})
	return contactList
}

// Touch refreshes the peer's last-activity timestamp after a direct message
// in either direction.
func (b *Book) Touch(owner identity.Address, peer identity.Address) {
	contactList := b.load(owner)
	now := b.clock().UnixMilli()
	for i := range contactList {
		if contactList[i].Address == peer {
			contactList[i].LastMessageAt = now
			b.save(owner, contactList)
			return
		}
	}
}

func (b *Book) add(ctx context.Context, owner identity.User, peer identity.Address) error {
	contactList := b.load(owner.Address)
	for _, contact := range contactList {
		if contact.Address == peer {
			return nil
		}
	}

	now := b.clock().UnixMilli()
	contactList = append(contactList, Contact{
		Address:       peer,
		Nickname:      b.lookupNickname(ctx, peer),
		AddedAt:       now,
		LastMessageAt: now,
	})
	b.save(owner.Address, contactList)

	// Mirror to the shared store so other devices of the same identity
	// converge on the contact list. Best-effort.
	mirror := store.Value{"address": peer.String(), "addedAt": now}
	mirrorPath := store.Join(pathRoot, owner.Address.String(), peer.String())
	if err := b.store.Put(ctx, mirrorPath, mirror); err != nil {
		b.logger.Warn("contact mirror write failed",
			zap.String("peer", peer.Short()), zap.Error(err))
	}
	return nil
}

// lookupNickname resolves the peer's published nickname, falling back to
// the short address.
func (b *Book) lookupNickname(ctx context.Context, peer identity.Address) string {
	ctx, cancel := store.ReadContext(ctx)
	defer cancel()
	value, err := b.store.Once(ctx, store.Join("nicknames", peer.String()))
	if err != nil || value == nil {
		return peer.Short()
	}
	if nickname, ok := value.String("nickname"); ok && strings.TrimSpace(nickname) != "" {
		return nickname
	}
	return peer.Short()
}

func (b *Book) load(owner identity.Address) []Contact {
	if b.cache == nil {
		return nil
	}
	var contactList []Contact
	found, err := b.cache.Get(owner.String(), cacheKeyContacts, &contactList)
	if err != nil {
		b.logger.Warn("contact cache read failed", zap.Error(err))
	}
	if !found {
		return nil
	}
	return contactList
}

func (b *Book) save(owner identity.Address, contactList []Contact) {
	if b.cache == nil {
		return
	}
	if err := b.cache.Set(owner.String(), cacheKeyContacts, contactList); err != nil {
		b.logger.Warn("contact cache write failed", zap.Error(err))
	}
}
