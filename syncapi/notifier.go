// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"sync"

	"github.com/bureau-foundation/hearth/lib/ref"
)

// Notifier is the per-account wait registry. Sync requests with
// nothing to report register a waiter for their account; the storage
// layer calls Wake after each committed write with the accounts whose
// view changed.
//
// Each waiter's signal channel has capacity one, so notifies coalesce:
// a waiter woken twice before it runs sees a single signal, which is
// sufficient because the woken request re-reads the store.
type Notifier struct {
	mu      sync.Mutex
	waiters map[string]map[*Waiter]struct{}
}

// NewNotifier creates an empty registry.
func NewNotifier() *Notifier {
	return &Notifier{
		waiters: make(map[string]map[*Waiter]struct{}),
	}
}

// Waiter is one suspended sync request. Wait exposes the signal
// channel for select; Close removes the waiter from the registry and
// must always be called when the request returns.
type Waiter struct {
	notifier *Notifier
	userID   string
	signal   chan struct{}
}

// Wait returns the channel that receives the wake signal.
func (w *Waiter) Wait() <-chan struct{} { return w.signal }

// Close unregisters the waiter. Safe to call after a wake has been
// delivered; double close is a no-op.
func (w *Waiter) Close() {
	w.notifier.mu.Lock()
	defer w.notifier.mu.Unlock()
	if set, ok := w.notifier.waiters[w.userID]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(w.notifier.waiters, w.userID)
		}
	}
}

// Register adds a waiter for the account and returns it. The caller
// must Close it on every return path.
func (n *Notifier) Register(userID ref.UserID) *Waiter {
	w := &Waiter{
		notifier: n,
		userID:   userID.String(),
		signal:   make(chan struct{}, 1),
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.waiters[w.userID]
	if !ok {
		set = make(map[*Waiter]struct{})
		n.waiters[w.userID] = set
	}
	set[w] = struct{}{}
	return w
}

// Wake signals every registered waiter of the given accounts. Never
// blocks: a waiter whose buffered signal is already pending is left
// as is. Implements the storage layer's post-commit wake hook.
func (n *Notifier) Wake(userIDs []ref.UserID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, userID := range userIDs {
		for w := range n.waiters[userID.String()] {
			select {
			case w.signal <- struct{}{}:
			default:
			}
		}
	}
}
