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
	"github.com/panjf2000/gnet/v2"

	"shardproxy/internal/proto"
)

// Role distinguishes a client-facing connection from a backend server
// connection; the forwarding layer reads it to decide which queue a
// freshly parsed Msg belongs on.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Conn is one gnet connection's proxy-level state: which pool and (for
// server conns) which Server it belongs to, its protocol parse buffer,
// and the intrusive queue that holds its in-flight messages. It is
// stashed in the gnet.Conn's context (gnet.Conn.Context()) for the
// lifetime of the connection.
type Conn struct {
	Raw  gnet.Conn
	Role Role

	Pool   *ServerPool
	Server *Server // nil for client conns

	Proto proto.Protocol
	Buf   *proto.Buffer

	// OutQ holds, for a server conn, the dispatched fragment children
	// awaiting that server's response, in send order (Engine.drainServer
	// pops it head-first as replies arrive). For a client conn it holds
	// every forwarded request's owner Msg in arrival order, each sitting
	// there from dispatch until its reply is coalesced and every owner
	// ahead of it has drained - the per-client FIFO write-back queue (see
	// Engine.drainClientOutQ).
	OutQ MsgQueue

	// pendingValues accumulates a memcached multi-get fragment's VALUE
	// lines until its terminating END arrives, so the engine can fold
	// them into one reply Msg per fragment (see Engine.drainServer).
	pendingValues []*proto.Msg

	// pendingStats accumulates a memcached "stats" probe's STAT lines
	// until its terminating END arrives (see Engine.drainServer).
	pendingStats []*proto.Msg

	// Closed is set once OnClose fires, so in-flight callbacks that
	// reference a Conn after the fact can short-circuit instead of
	// writing to a dead socket.
	Closed bool
}

// NewConn wraps a freshly accepted or dialed gnet.Conn.
func NewConn(raw gnet.Conn, role Role, p *ServerPool, protocol proto.Protocol) *Conn {
	return &Conn{
		Raw:   raw,
		Role:  role,
		Pool:  p,
		Proto: protocol,
		Buf:   proto.NewBuffer(),
	}
}

// Write queues data on the underlying gnet connection. gnet buffers
// partial writes internally, so the proxy layer never needs its own
// outbound spill buffer the way a raw-fd conn would.
func (c *Conn) Write(data []byte) error {
	if c.Closed {
		return nil
	}
	_, err := c.Raw.Write(data)
	return err
}

// connFromGnet recovers the proxy Conn stashed in a gnet.Conn's context.
func connFromGnet(gc gnet.Conn) *Conn {
	ctx := gc.Context()
	if ctx == nil {
		return nil
	}
	c, _ := ctx.(*Conn)
	return c
}
