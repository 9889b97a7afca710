// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"time"

	"github.com/petar/GoLLRB/llrb"
)

// TimeoutWheel orders in-flight server-conn requests by deadline so the
// reactor loop can cheaply find and evict whichever one times out next,
// without scanning every connection's queue. It is an explicit
// context-object rather than a package-level singleton, so each Engine
// (and, in tests, each pool) owns its own.
type TimeoutWheel struct {
	tree *llrb.LLRB
}

// NewTimeoutWheel returns an empty wheel.
func NewTimeoutWheel() *TimeoutWheel {
	return &TimeoutWheel{tree: llrb.New()}
}

// Insert schedules m to fire at deadline. noreply messages must not be
// inserted (they have no response to wait for).
func (w *TimeoutWheel) Insert(m *Msg, deadline time.Time) {
	m.Deadline = deadline
	w.tree.ReplaceOrInsert(m)
}

// Remove cancels m's scheduled timeout, e.g. once its response arrives.
func (w *TimeoutWheel) Remove(m *Msg) {
	w.tree.Delete(m)
}

// Peek returns the next message to fire without removing it, or nil if
// the wheel is empty.
func (w *TimeoutWheel) Peek() *Msg {
	min := w.tree.Min()
	if min == nil {
		return nil
	}
	return min.(*Msg)
}

// PopExpired removes and returns every message whose Deadline is at or
// before now, in deadline order, for the caller to fail and close.
func (w *TimeoutWheel) PopExpired(now time.Time) []*Msg {
	var expired []*Msg
	for {
		next := w.Peek()
		if next == nil || next.Deadline.After(now) {
			break
		}
		w.tree.DeleteMin()
		expired = append(expired, next)
	}
	return expired
}

// Len reports how many messages are scheduled.
func (w *TimeoutWheel) Len() int {
	return w.tree.Len()
}
