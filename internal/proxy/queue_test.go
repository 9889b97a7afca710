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
	"testing"
	"time"
)

func TestMsgQueueFIFOOrder(t *testing.T) {
	var q MsgQueue
	a := &Msg{ID: 1}
	b := &Msg{ID: 2}
	c := &Msg{ID: 3}
	q.PushTail(a)
	q.PushTail(b)
	q.PushTail(c)

	if q.Len() != 3 {
		t.Fatalf("expected len 3, got %d", q.Len())
	}
	for _, want := range []uint64{1, 2, 3} {
		got := q.PopHead()
		if got == nil || got.ID != want {
			t.Fatalf("expected id %d, got %+v", want, got)
		}
	}
	if !q.Empty() {
		t.Fatalf("expected queue to be empty")
	}
}

func TestMsgQueueAllDone(t *testing.T) {
	var q MsgQueue
	a := &Msg{ID: 1, Done: true}
	b := &Msg{ID: 2, Done: false}
	q.PushTail(a)
	q.PushTail(b)
	if q.AllDone() {
		t.Fatalf("expected AllDone false while b is pending")
	}
	b.Done = true
	if !q.AllDone() {
		t.Fatalf("expected AllDone true once every message is done")
	}
}

// TestMsgQueuePopReadyHeadBlocksOnEarlierPending is the head-of-line
// ordering contract Engine.drainClientOutQ relies on for per-client
// FIFO delivery: two requests queued in arrival order, the second
// (sharded to a fast server) finishing before the first (sharded to a
// slow one) must still not drain until the first does.
func TestMsgQueuePopReadyHeadBlocksOnEarlierPending(t *testing.T) {
	var q MsgQueue
	req1 := &Msg{ID: 1}
	req2 := &Msg{ID: 2}
	q.PushTail(req1)
	q.PushTail(req2)

	req2.Done = true
	if got := q.PopReadyHead(); got != nil {
		t.Fatalf("expected nil while req1 (ahead of req2) is still pending, got id %d", got.ID)
	}
	if q.Len() != 2 {
		t.Fatalf("expected both messages still queued, got len %d", q.Len())
	}

	req1.Done = true
	got := q.PopReadyHead()
	if got == nil || got.ID != 1 {
		t.Fatalf("expected req1 to drain first, got %+v", got)
	}
	got = q.PopReadyHead()
	if got == nil || got.ID != 2 {
		t.Fatalf("expected req2 to drain once req1 has, got %+v", got)
	}
	if !q.Empty() {
		t.Fatalf("expected queue empty after draining both")
	}
}

func TestTimeoutWheelOrdersByDeadline(t *testing.T) {
	w := NewTimeoutWheel()
	base := time.Now()
	late := &Msg{ID: 1}
	early := &Msg{ID: 2}
	w.Insert(late, base.Add(2*time.Second))
	w.Insert(early, base.Add(1*time.Second))

	if got := w.Peek(); got.ID != 2 {
		t.Fatalf("expected earliest deadline first, got id %d", got.ID)
	}

	expired := w.PopExpired(base.Add(3 * time.Second))
	if len(expired) != 2 || expired[0].ID != 2 || expired[1].ID != 1 {
		t.Fatalf("unexpected expiry order: %+v", expired)
	}
	if w.Len() != 0 {
		t.Fatalf("expected wheel empty after draining expired entries")
	}
}
