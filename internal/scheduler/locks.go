/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import "sync"

// roomLocks serializes mutations per room. Rooms are independent, so each
// room id gets its own mutex rather than one process-wide lock.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the mutex for roomID and returns its unlock function.
func (rl *roomLocks) acquire(roomID string) func() {
	rl.mu.Lock()
	lock, ok := rl.locks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		rl.locks[roomID] = lock
	}
	rl.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
