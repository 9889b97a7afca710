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

// Package proxy implements the connection, server-pool and
// request-forwarding machinery: the Msg/Conn/Server/ServerPool model, the
// auto-eject/rebuild/rate-limit/gutter/warm-up pool lifecycle, and the
// request-forward/response-coalesce orchestration that ties parsed
// messages to server pool dispatch.
package proxy

import (
	"time"

	"github.com/petar/GoLLRB/llrb"

	"shardproxy/internal/proto"
)

var msgSeq uint64

func nextMsgID() uint64 {
	msgSeq++
	return msgSeq
}

// Msg is one in-flight request or response, queued on a Conn's imsg_q or
// omsg_q. It wraps the raw parsed proto.Msg with the cross-links and
// timeout bookkeeping the forwarding layer needs: Peer connects a server
// conn's pending request to the client conn's completed response slot,
// FragOwner groups a multi-key request's per-server children, and the
// embedded llrb.Item lets the owning timeout wheel evict it without a
// separate handle table.
type Msg struct {
	prev, next *Msg

	ID uint64

	Parsed *proto.Msg
	Owner  *Conn // the conn this Msg is queued on
	Peer   *Msg  // paired request<->response (both directions)

	FragOwner    *Msg // nil for non-fragmented messages and for the owner itself
	FragID       uint64
	FragIndex    int // this child's slot in FragOwner.Replies, fixed at dispatch time
	LastFragment bool

	// NeedsWarmup marks a child dispatched to a peer pool in place of a
	// cold origin server (C6 peer warm-up); OriginPool/OriginServer name
	// the cold server so a get-hit response can be mirrored back to it
	// as a synthesized noreply set.
	NeedsWarmup  bool
	OriginPool   *ServerPool
	OriginServer *Server

	NoReply bool
	Done    bool
	FErr    bool // set by the first failing fragment child, seals the vector

	// IsProbe marks an active stats/PING health check (§4.5 Probe): its
	// response has no client owner and is parsed into the server's Stats
	// blob instead of being coalesced or written back anywhere.
	IsProbe bool

	// FragTotal and Replies back a fragmented request's owner Msg: the
	// forwarding layer knows the vector is complete once len(Replies)
	// reaches FragTotal, at which point it coalesces Replies (in the
	// order fragments were dispatched, not the order responses arrive)
	// into one wire reply for the client.
	FragTotal int
	FragDone  int
	Replies   []*proto.Msg

	// Wire is the coalesced reply ready to write to the client, set once
	// by finishRequest. A client-facing owner Msg sits on its Conn's OutQ
	// from the moment it is forwarded until Done is true and every owner
	// queued ahead of it has already been written (see
	// Engine.drainClientOutQ) - the mechanism behind per-client FIFO
	// delivery regardless of which backend server answers first.
	Wire []byte

	CreatedAt time.Time
	Deadline  time.Time
}

// NewMsg wraps a freshly parsed proto.Msg.
func NewMsg(p *proto.Msg) *Msg {
	return &Msg{
		ID:        nextMsgID(),
		Parsed:    p,
		NoReply:   p != nil && p.NoReply,
		CreatedAt: time.Now(),
	}
}

// Less implements llrb.Item so a Msg can be inserted directly into a
// timeout wheel keyed by Deadline.
func (m *Msg) Less(than llrb.Item) bool {
	return m.Deadline.Before(than.(*Msg).Deadline)
}

// InitFragments sizes Replies for an n-way fragmented request.
func (m *Msg) InitFragments(n int) {
	m.FragTotal = n
	m.Replies = make([]*proto.Msg, n)
}

// AddReply records fragment idx's response and reports whether every
// fragment has now replied, so the caller knows the vector is ready to
// coalesce. A reply with Err set seals FErr but the vector still only
// completes once every fragment (including the failed one) is in.
func (m *Msg) AddReply(idx int, r *proto.Msg) bool {
	m.Replies[idx] = r
	m.FragDone++
	if r.Err {
		m.FErr = true
	}
	return m.FragDone >= m.FragTotal
}

// Unlink breaks the req<->response peer link atomically, as required by
// the pairing invariant: until exactly one side is freed the link must
// hold both ways.
func (m *Msg) Unlink() {
	if m.Peer != nil {
		m.Peer.Peer = nil
		m.Peer = nil
	}
}
