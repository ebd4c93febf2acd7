// Copyright 2024 New Vector Ltd.
// Copyright 2019, 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"sync"
	"time"
)

// EDUCache is C12's typing component (spec §4.8: "purely in-memory per
// room: BTreeMap<user, timeout_ms>; a broadcast channel notifies
// subscribers on every change; expired entries are swept lazily on
// read"). Each user entry instead carries its own expiry timer, which
// removes the entry when it fires, so there is neither a sweep on read
// nor a broadcast channel; the only subscriber this core exposes is the
// timeout callback set via SetTimeoutCallback.
type EDUCache struct {
	mu              sync.Mutex
	data            map[string]map[string]*time.Timer
	latestSyncPos   int64
	timeoutCallback func(userID, roomID string, latestSyncPosition int64)
}

// NewTypingCache constructs an empty EDUCache.
func NewTypingCache() *EDUCache {
	return &EDUCache{
		data: make(map[string]map[string]*time.Timer),
	}
}

// SetTimeoutCallback registers a function to be invoked (with the cache's
// lock already released) whenever a user's typing entry expires on its
// own, as opposed to being removed by RemoveUser.
func (t *EDUCache) SetTimeoutCallback(fn func(userID, roomID string, latestSyncPosition int64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeoutCallback = fn
}

// noExpiry is used internally as the timer duration for an AddTypingUser
// call with a nil expire: long enough never to fire in practice, without
// special-casing a second no-timer code path.
const noExpiry = 365 * 24 * time.Hour

// AddTypingUser sets or refreshes userID's typing state in roomID,
// expiring at expire (nil means no expiry tracked by this cache).
// Returns the new latest sync position.
func (t *EDUCache) AddTypingUser(userID, roomID string, expire *time.Time) int64 {
	timeout := noExpiry
	if expire != nil {
		timeout = expire.Sub(time.Now())
	}
	return t.addUser(userID, roomID, timeout)
}

func (t *EDUCache) addUser(userID, roomID string, timeout time.Duration) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timeout <= 0 {
		// Already expired: ensure any previous entry is gone and bump
		// the sync position as the spec's "every change" notification
		// requires, without adding anything that reads back as typing.
		t.removeUserLocked(userID, roomID)
		t.latestSyncPos++
		return t.latestSyncPos
	}

	room, ok := t.data[roomID]
	if !ok {
		room = make(map[string]*time.Timer)
		t.data[roomID] = room
	}
	if existing, ok := room[userID]; ok {
		existing.Stop()
	}
	room[userID] = time.AfterFunc(timeout, func() {
		t.expire(userID, roomID)
	})

	t.latestSyncPos++
	return t.latestSyncPos
}

// expire is the timer callback: remove the entry and, if still present
// (not already removed by RemoveUser racing the timer), notify the
// registered callback.
func (t *EDUCache) expire(userID, roomID string) {
	t.mu.Lock()
	room, ok := t.data[roomID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, ok := room[userID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(t.data, roomID)
	}
	t.latestSyncPos++
	pos := t.latestSyncPos
	cb := t.timeoutCallback
	t.mu.Unlock()

	if cb != nil {
		cb(userID, roomID, pos)
	}
}

// GetTypingUsers returns the users currently typing in roomID.
func (t *EDUCache) GetTypingUsers(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.data[roomID]
	if !ok {
		return []string{}
	}
	users := make([]string, 0, len(room))
	for userID := range room {
		users = append(users, userID)
	}
	return users
}

// RemoveUser clears userID's typing state in roomID, returning the new
// latest sync position.
func (t *EDUCache) RemoveUser(userID, roomID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removeUserLocked(userID, roomID) {
		t.latestSyncPos++
	}
	return t.latestSyncPos
}

func (t *EDUCache) removeUserLocked(userID, roomID string) bool {
	room, ok := t.data[roomID]
	if !ok {
		return false
	}
	timer, ok := room[userID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(room, userID)
	if len(room) == 0 {
		delete(t.data, roomID)
	}
	return true
}
