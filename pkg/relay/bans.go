// Copyright 2024-2026 Aiku AI

package relay

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.mau.fi/util/jsontime"
)

var (
	// ErrAlreadyBanned is returned by BanList.Ban for an identity that is
	// already on the list.
	ErrAlreadyBanned = errors.New("user is already banned")
	// ErrNotBanned is returned by BanList.Unban for an identity that is not
	// on the list.
	ErrNotBanned = errors.New("user is not banned")
)

// BanEntry records why and by whom an identity was banned from the network.
type BanEntry struct {
	Reason     string             `json:"reason"`
	ExecutorID string             `json:"executor"`
	Origin     string             `json:"ban_origin"`
	CreatedAt  jsontime.UnixMilli `json:"timestamp"`
}

// BanList is the set of identities whose messages are never published to the
// bus. Entries stay until they are removed with Unban.
type BanList struct {
	mu      sync.RWMutex
	entries map[string]BanEntry
	now     func() time.Time
}

// NewBanList creates an empty ban list.
func NewBanList() *BanList {
	return &BanList{
		entries: make(map[string]BanEntry),
		now:     time.Now,
	}
}

// Ban adds userID to the list. It returns ErrAlreadyBanned and the existing
// entry if the identity is already banned.
func (b *BanList) Ban(userID, reason, executorID, origin string) (BanEntry, error) {
	entry := BanEntry{
		Reason:     reason,
		ExecutorID: executorID,
		Origin:     origin,
		CreatedAt:  jsontime.UM(b.now()),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.entries[userID]; ok {
		return existing, ErrAlreadyBanned
	}
	b.entries[userID] = entry
	return entry, nil
}

// Unban removes userID from the list, or returns ErrNotBanned.
func (b *BanList) Unban(userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[userID]; !ok {
		return ErrNotBanned
	}
	delete(b.entries, userID)
	return nil
}

// IsBanned reports whether userID is on the list.
func (b *BanList) IsBanned(userID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[userID]
	return ok
}

// Get returns the entry for userID.
func (b *BanList) Get(userID string) (BanEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[userID]
	return entry, ok
}

// Len returns the number of banned identities.
func (b *BanList) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// BannedUser pairs a banned identity with its entry.
type BannedUser struct {
	UserID string `json:"user_id"`
	BanEntry
}

// List returns all bans, oldest first.
func (b *BanList) List() []BannedUser {
	b.mu.RLock()
	out := make([]BannedUser, 0, len(b.entries))
	for id, entry := range b.entries {
		out = append(out, BannedUser{UserID: id, BanEntry: entry})
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt.Time) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt.Time)
	})
	return out
}

// BanSnapshot is the on-disk form of a BanList.
type BanSnapshot struct {
	List map[string]BanEntry `json:"list"`
}

// Snapshot copies the current bans.
func (b *BanList) Snapshot() BanSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := BanSnapshot{List: make(map[string]BanEntry, len(b.entries))}
	for id, entry := range b.entries {
		snap.List[id] = entry
	}
	return snap
}

// Restore adds every entry of snap, replacing entries with the same id.
func (b *BanList) Restore(snap BanSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, entry := range snap.List {
		if id == "" {
			continue
		}
		b.entries[id] = entry
	}
}
