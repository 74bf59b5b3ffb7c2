package lfchat

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/NeboLoop/lostfound-chat-go-sdk/metrics"
)

// ListingFetcher looks up the listing a room is attached to.
type ListingFetcher interface {
	GetListing(ctx context.Context, listingID string) (*Listing, error)
}

// RoleStore persists resolved roles per room.
type RoleStore interface {
	LoadRole(ctx context.Context, roomID string) (string, error)
	SaveRole(ctx context.Context, roomID, role string) error
}

// RoleResolver decides whether the local user is the AUTHOR or the CALLER
// of a room. Each room is resolved once per session. A role learned from
// the room or its listing is also persisted; the CALLER fallback used when
// nothing answers is kept in memory only, so the next session tries again.
type RoleResolver struct {
	userID   string
	listings ListingFetcher
	store    RoleStore
	logger   *slog.Logger
	group    singleflight.Group

	mu    sync.RWMutex
	cache map[string]Role
}

// NewRoleResolver creates a resolver for the local user userID.
func NewRoleResolver(userID string, listings ListingFetcher, st RoleStore, logger *slog.Logger) *RoleResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleResolver{
		userID:   userID,
		listings: listings,
		store:    st,
		logger:   logger,
		cache:    make(map[string]Role),
	}
}

// Resolve returns the local user's role in room. It never fails: when no
// source can tell, it answers RoleCaller.
func (r *RoleResolver) Resolve(ctx context.Context, room Room) Role {
	if role, ok := r.Cached(room.ID); ok {
		return role
	}
	v, _, _ := r.group.Do(room.ID, func() (any, error) {
		if role, ok := r.Cached(room.ID); ok {
			return role, nil
		}
		role, source := r.lookup(ctx, room)
		metrics.RoleResolutions.WithLabelValues(source).Inc()
		r.remember(ctx, room.ID, role, source != "store" && source != "default")
		r.logger.Debug("role resolved", "room_id", room.ID, "role", role, "source", source)
		return role, nil
	})
	return v.(Role)
}

// Cached returns the in-session role of roomID, if resolved.
func (r *RoleResolver) Cached(roomID string) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.cache[roomID]
	return role, ok
}

// Forget drops roomID from the session cache.
func (r *RoleResolver) Forget(roomID string) {
	r.mu.Lock()
	delete(r.cache, roomID)
	r.mu.Unlock()
}

func (r *RoleResolver) lookup(ctx context.Context, room Room) (Role, string) {
	if r.store != nil {
		stored, err := r.store.LoadRole(ctx, room.ID)
		if err != nil {
			r.logger.Debug("role store read failed", "room_id", room.ID, "error", err)
		} else if role := Role(stored); role.Valid() {
			return role, "store"
		}
	}

	if room.AuthorID != "" {
		return r.roleFor(room.AuthorID), "room"
	}
	for _, p := range room.Participants {
		if p.UserID == r.userID && p.Role.Valid() {
			return p.Role, "participant"
		}
	}

	if room.ListingID != "" && r.listings != nil {
		l, err := r.listings.GetListing(ctx, room.ListingID)
		if err == nil && l.AuthorID != "" {
			return r.roleFor(l.AuthorID), "listing"
		}
		if err != nil {
			r.logger.Warn("listing lookup failed", "room_id", room.ID, "listing_id", room.ListingID, "error", err)
		}
	}
	return RoleCaller, "default"
}

func (r *RoleResolver) roleFor(authorID string) Role {
	if authorID == r.userID {
		return RoleAuthor
	}
	return RoleCaller
}

func (r *RoleResolver) remember(ctx context.Context, roomID string, role Role, persist bool) {
	r.mu.Lock()
	r.cache[roomID] = role
	r.mu.Unlock()

	if !persist || r.store == nil {
		return
	}
	if err := r.store.SaveRole(ctx, roomID, string(role)); err != nil {
		r.logger.Warn("role store write failed", "room_id", roomID, "error", err)
	}
}
