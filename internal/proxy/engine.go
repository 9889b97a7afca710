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

	"github.com/panjf2000/gnet/v2"

	"shardproxy/internal/logging"
	"shardproxy/internal/proto"
)

// Engine is the gnet.EventHandler for one pool's client listener. It
// also owns the single gnet.Client used to dial that pool's backend
// servers (and, when configured, its gutter and peer pools and - for a
// virtual pool - its downstream pools' servers), so the client-facing
// accept loop and every backend dial share one reactor: the "one event
// loop per process" shape spec.md requires, carried over from how the
// teacher wires its listener and Redis pool onto one eventloop. A
// multi-pool configuration runs one Engine (one goroutine, one
// gnet.Run) per listening pool.
type Engine struct {
	gnet.BuiltinEventEngine

	Primary *ServerPool

	wheel  *TimeoutWheel
	client *gnet.Client

	// pendingDials is a FIFO of (pool, server) pushed immediately before
	// each Client.Dial call and popped by OnOpen: gnet invokes OnOpen
	// for both accepted and dialed connections on the same handler, and
	// Dial blocks until OnOpen has already run for it, so push-then-Dial
	// order is also the order OnOpen observes them in.
	pendingDials []pendingDial

	serverConns map[string][]*Conn
	rrCounter   map[string]int
}

type pendingDial struct {
	pool   *ServerPool
	server *Server
}

// NewEngine builds an Engine whose listener serves primary.
func NewEngine(primary *ServerPool) *Engine {
	return &Engine{
		Primary:     primary,
		wheel:       NewTimeoutWheel(),
		serverConns: map[string][]*Conn{},
		rrCounter:   map[string]int{},
	}
}

// OnBoot starts the shared backend client and preconnects every server
// of the primary pool (and its gutter, if configured) flagged for it.
func (e *Engine) OnBoot(gnet.Engine) gnet.Action {
	cli, err := gnet.NewClient(e, gnet.WithMulticore(false), gnet.WithNumEventLoop(1))
	if err != nil {
		logging.Errorf("failed to start backend client: %v", err)
		return gnet.Shutdown
	}
	if err := cli.Start(); err != nil {
		logging.Errorf("failed to start backend client reactor: %v", err)
		return gnet.Shutdown
	}
	e.client = cli

	for _, p := range []*ServerPool{e.Primary, e.Primary.Gutter} {
		if p == nil || !p.Preconnect {
			continue
		}
		for _, s := range p.Servers {
			if _, err := e.dialServer(p, s); err != nil {
				logging.Warnf("preconnect to %s/%s failed: %v", p.Name, s.Name, err)
			}
		}
	}
	return gnet.None
}

func (e *Engine) OnShutdown(gnet.Engine) {
	if e.client != nil {
		_ = e.client.Stop()
	}
}

// OnOpen distinguishes an accepted client connection (local addr equals
// this engine's listener) from a dialed backend connection (consumes
// the next pendingDials entry).
func (e *Engine) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if c.LocalAddr().String() == e.Primary.Listen {
		pc := NewConn(c, RoleClient, e.Primary, protoOf(e.Primary))
		c.SetContext(pc)
		return nil, gnet.None
	}

	if len(e.pendingDials) == 0 {
		logging.Errorf("unexpected connection with no pending dial: %s", c.RemoteAddr())
		return nil, gnet.Close
	}
	pd := e.pendingDials[0]
	e.pendingDials = e.pendingDials[1:]

	pc := NewConn(c, RoleServer, pd.pool, protoOf(pd.pool))
	pc.Server = pd.server
	c.SetContext(pc)

	key := serverKey(pd.pool, pd.server)
	e.serverConns[key] = append(e.serverConns[key], pc)
	return nil, gnet.None
}

func protoOf(p *ServerPool) proto.Protocol {
	if p.Redis {
		return proto.RESP
	}
	return proto.Memcache
}

func (e *Engine) OnClose(c gnet.Conn, _ error) gnet.Action {
	pc := connFromGnet(c)
	if pc == nil {
		return gnet.None
	}
	pc.Closed = true
	if pc.Role == RoleServer {
		e.evictServerConn(pc)
		for msg := pc.OutQ.PopHead(); msg != nil; msg = pc.OutQ.PopHead() {
			e.wheel.Remove(msg)
			e.failFragment(msg)
		}
	}
	return gnet.None
}

// OnTraffic reads whatever arrived, feeds it to the conn's protocol
// buffer, and drains every complete message it now contains.
func (e *Engine) OnTraffic(c gnet.Conn) gnet.Action {
	pc := connFromGnet(c)
	if pc == nil {
		return gnet.Close
	}
	data, _ := c.Next(-1)
	pc.Buf.Append(data)

	if pc.Role == RoleClient {
		e.drainClient(pc)
	} else {
		e.drainServer(pc)
	}
	return gnet.None
}

// OnTick evicts every request whose deadline has passed and, for every
// auto_probe_hosts pool this engine touches, fires an active stats/PING
// probe at each server whose retry window has elapsed (§4.5 Probe).
func (e *Engine) OnTick() (time.Duration, gnet.Action) {
	now := time.Now()
	for _, msg := range e.wheel.PopExpired(now) {
		e.failFragment(msg)
	}
	for _, p := range []*ServerPool{e.Primary, e.Primary.Gutter, e.Primary.Peer} {
		if p == nil {
			continue
		}
		for _, s := range p.DueForProbe(now) {
			e.fireProbe(p, s)
		}
	}
	return 100 * time.Millisecond, gnet.None
}

func (e *Engine) parseRequest(pc *Conn) (*proto.Msg, proto.State, error) {
	if pc.Proto == proto.Memcache {
		return proto.ParseMemcacheRequest(pc.Buf)
	}
	return proto.ParseRESPRequest(pc.Buf)
}

func (e *Engine) parseResponse(pc *Conn) (*proto.Msg, proto.State, error) {
	if pc.Proto == proto.Memcache {
		return proto.ParseMemcacheResponse(pc.Buf)
	}
	return proto.ParseRESPResponse(pc.Buf)
}

func (e *Engine) drainClient(pc *Conn) {
	for {
		msg, state, err := e.parseRequest(pc)
		if state == proto.Again {
			return
		}
		if err != nil {
			logging.Warnf("[%s] bad request from client, closing: %v", pc.Pool.Name, err)
			_ = pc.Raw.Close()
			return
		}
		if msg.Quit {
			_ = pc.Raw.Close()
			return
		}
		e.forward(pc, msg)
	}
}

func (e *Engine) drainServer(pc *Conn) {
	for {
		resp, state, err := e.parseResponse(pc)
		if state == proto.Again {
			return
		}
		if err != nil {
			logging.Warnf("[%s/%s] bad response from backend, closing: %v", pc.Pool.Name, pc.Server.Name, err)
			_ = pc.Raw.Close()
			return
		}

		// A memcached multi-get fragment reply is VALUE...VALUE,END; fold
		// it into one reply Msg per fragment by absorbing VALUE lines
		// until END, matching CoalesceMemcache's expectations.
		if pc.Proto == proto.Memcache && resp.Command == "value" {
			pc.pendingValues = append(pc.pendingValues, resp)
			continue
		}
		if pc.Proto == proto.Memcache && resp.Command == "end" && len(pc.pendingValues) > 0 {
			all := append(pc.pendingValues, resp)
			pc.pendingValues = nil
			merged := &proto.Msg{Proto: proto.Memcache, Command: "value", Raw: CoalesceMemcache(all)}
			e.completeFragment(pc, merged)
			continue
		}

		// A "stats" probe reply is a burst of STAT lines terminated by
		// END; fold it the same way before handing it to whichever path
		// (probe or, in principle, a passthrough STATS command) needs it.
		if pc.Proto == proto.Memcache && resp.Command == "stat" {
			pc.pendingStats = append(pc.pendingStats, resp)
			continue
		}
		if pc.Proto == proto.Memcache && resp.Command == "end" && len(pc.pendingStats) > 0 {
			stats := pc.pendingStats
			pc.pendingStats = nil
			e.completeProbe(pc, stats)
			continue
		}

		e.completeFragment(pc, resp)
	}
}

func (e *Engine) completeFragment(pc *Conn, resp *proto.Msg) {
	child := pc.OutQ.PopHead()
	if child == nil {
		logging.Warnf("[%s/%s] unexpected response with no pending request", pc.Pool.Name, pc.Server.Name)
		return
	}
	e.wheel.Remove(child)
	if pc.Server != nil {
		pc.Pool.MarkSuccess(pc.Server, time.Now())
	}

	// drainServer hands a memcached get-hit here as one merged Msg that
	// carries no key or flags spans, so BuildWarmup declines it and no
	// warm-up set is written back to the cold origin server; a RESP reply
	// is never tagged "value".
	if child.NeedsWarmup && resp.Command == "value" {
		if warmReq, ok := proto.BuildWarmup(resp); ok {
			e.fireSwallow(child.OriginPool, child.OriginServer, warmReq)
		}
	}

	owner := child.FragOwner
	if owner == nil {
		return
	}
	if owner.AddReply(child.FragIndex, resp) {
		e.finishRequest(owner)
	}
}

// finishRequest marks owner's reply ready and drains its client's OutQ.
// It does not write owner's reply directly: owner sits on client.OutQ
// from the moment it was forwarded (see forward), in the order its
// request arrived, so a request that shards to a slow server cannot let
// a later, faster-answering request from the same client overtake it.
func (e *Engine) finishRequest(owner *Msg) {
	client := owner.Owner
	owner.Done = true
	if !owner.NoReply && client != nil {
		switch {
		case owner.FragTotal == 1:
			owner.Wire = owner.Replies[0].Raw
		case client.Proto == proto.Memcache:
			owner.Wire = CoalesceMemcache(owner.Replies)
		default:
			owner.Wire = CoalesceRESPArray(owner.Replies)
		}
	}
	if client == nil || client.Closed {
		return
	}
	e.drainClientOutQ(client)
}

// drainClientOutQ writes every contiguously ready reply at the head of
// client's OutQ, stopping at the first request that has not yet
// completed. Requests are pushed onto OutQ in the order the client sent
// them (forward, replyImmediate); draining strictly head-first is what
// gives per-client delivery its FIFO guarantee regardless of which
// backend server each request sharded to, or how fast it answered
// (§4.4 Client write, §5 Ordering guarantees, §8 per-client FIFO).
func (e *Engine) drainClientOutQ(client *Conn) {
	for {
		head := client.OutQ.PopReadyHead()
		if head == nil {
			return
		}
		if head.Wire != nil && !client.Closed {
			_ = client.Write(head.Wire)
		}
	}
}

// replyImmediate synthesizes a reply for a request that never reaches
// fragment dispatch (a routing/rate-limit/virtual-pool failure in
// forward) and queues it on the client's OutQ exactly like a normal
// fragmented reply's owner, so it still drains in the order it was
// parsed rather than jumping ahead of an earlier, still in-flight
// request from the same client.
func (e *Engine) replyImmediate(pc *Conn, req *proto.Msg, wire []byte) {
	owner := NewMsg(req)
	owner.Owner = pc
	owner.Done = true
	if !owner.NoReply {
		owner.Wire = wire
	}
	pc.OutQ.PushTail(owner)
	e.drainClientOutQ(pc)
}

func (e *Engine) forward(pc *Conn, req *proto.Msg) {
	pool := pc.Pool
	if pool.Virtual {
		var key []byte
		if len(req.Keys) > 0 {
			key = req.KeyBytes(0)
		}
		downstream, err := pool.ResolveDownstream(key)
		if err != nil {
			logging.Warnf("[%s] unresolvable downstream: %v", pool.Name, err)
			e.replyImmediate(pc, req, proto.BuildError(pool.Redis, err.Error()))
			return
		}
		pool = downstream
	}

	now := time.Now()
	frags, err := BuildFragments(pool, req, now)
	if err != nil {
		logging.Warnf("[%s] forward error: %v", pool.Name, err)
		e.replyImmediate(pc, req, proto.BuildError(pool.Redis, err.Error()))
		return
	}

	// Message-queue notify: a delete also fires a discarded LPUSH onto
	// the pool's message_queue link, so a downstream consumer can
	// invalidate its own cache of the key. Failure here never blocks
	// the primary request.
	if pool.MessageQueue != nil && isDeleteCommand(req.Command) && len(req.Keys) > 0 {
		key := req.KeyBytes(0)
		if mqServer, mqPool, mqErr := pool.MessageQueue.Route(key, true, now); mqErr == nil {
			e.fireSwallow(mqPool, mqServer, proto.BuildNotify(pool.Name, key))
		}
	}

	owner := NewMsg(req)
	owner.Owner = pc
	owner.InitFragments(len(frags))
	pc.OutQ.PushTail(owner)

	for i, frag := range frags {
		// Peer warm-up: a cold origin server's read is redirected to the
		// mirrored peer server, and the original request is also fired
		// at the cold server as a discarded swallow. The peer's get-hit
		// is not written back to the cold server (see completeFragment).
		var warmOrigin *Server
		var warmPool *ServerPool
		if frag.Server.Cold && frag.Pool.AutoWarmup {
			if peerServer := frag.Pool.PeerServer(frag.Server); peerServer != nil {
				warmPool, warmOrigin = frag.Pool, frag.Server
				e.fireSwallow(warmPool, warmOrigin, frag.Wire)
				frag.Pool, frag.Server = frag.Pool.Peer, peerServer
			}
		}

		sc, dialErr := e.serverConnFor(frag.Pool, frag.Server)
		if dialErr != nil {
			frag.Pool.MarkFailure(frag.Server, now)
			if owner.AddReply(i, &proto.Msg{Err: true, ErrorText: dialErr.Error(), Raw: proto.BuildError(pc.Proto == proto.RESP, dialErr.Error())}) {
				e.finishRequest(owner)
			}
			continue
		}
		if req.NoReply {
			// A noreply request gets no response to pop a queued child, so
			// it is written untracked and its fragment counts done at once.
			if writeErr := sc.Write(frag.Wire); writeErr != nil {
				frag.Pool.MarkFailure(frag.Server, now)
			}
			if owner.AddReply(i, &proto.Msg{Done: true}) {
				e.finishRequest(owner)
			}
			continue
		}
		child := NewMsg(nil)
		child.FragOwner = owner
		child.FragIndex = i
		child.LastFragment = i == len(frags)-1
		child.Owner = sc
		if warmOrigin != nil {
			child.NeedsWarmup = true
			child.OriginPool = warmPool
			child.OriginServer = warmOrigin
		}
		sc.OutQ.PushTail(child)
		e.wheel.Insert(child, now.Add(frag.Pool.Timeout))
		if writeErr := sc.Write(frag.Wire); writeErr != nil {
			frag.Pool.MarkFailure(frag.Server, now)
		}
	}
}

// fireSwallow fires a noreply-tracked request at (pool, server) whose
// response is discarded once it arrives: completeFragment pops it off
// OutQ like any other reply, finds FragOwner nil, and returns without
// touching a client. Used for peer warm-up's mirrored request and
// message-queue notify.
func (e *Engine) fireSwallow(pool *ServerPool, server *Server, wire []byte) {
	_ = e.enqueueDiscarded(pool, server, wire, false)
}

// fireProbe sends an auto_probe_hosts health check to server: "stats\r\n"
// for memcached (answered with a STAT burst completeProbe folds and
// records), an array-encoded PING for Redis (answered with a plain +PONG that
// completeFragment's generic path already marks as a success).
func (e *Engine) fireProbe(pool *ServerPool, server *Server) {
	if err := e.enqueueDiscarded(pool, server, proto.BuildProbe(pool.Redis), true); err != nil {
		pool.MarkFailure(server, time.Now())
	}
}

func (e *Engine) enqueueDiscarded(pool *ServerPool, server *Server, wire []byte, probe bool) error {
	sc, err := e.serverConnFor(pool, server)
	if err != nil {
		return err
	}
	child := NewMsg(nil)
	child.NoReply = true
	child.IsProbe = probe
	child.Owner = sc
	sc.OutQ.PushTail(child)
	e.wheel.Insert(child, time.Now().Add(pool.Timeout))
	return sc.Write(wire)
}

// completeProbe folds a completed "stats" probe's STAT burst into the
// server's Stats/Cold state. It never reaches completeFragment: a probe
// response has no FragOwner and needs the parsed key/value fields, not
// just a pass/fail signal.
func (e *Engine) completeProbe(pc *Conn, stats []*proto.Msg) {
	child := pc.OutQ.PopHead()
	if child == nil {
		logging.Warnf("[%s/%s] unexpected stats reply with no pending probe", pc.Pool.Name, pc.Server.Name)
		return
	}
	e.wheel.Remove(child)
	pc.Pool.MarkProbeResult(pc.Server, proto.ParseStatFields(stats), time.Now())
}

func (e *Engine) failFragment(child *Msg) {
	owner := child.FragOwner
	if owner == nil {
		return
	}
	redis := owner.Owner != nil && owner.Owner.Proto == proto.RESP
	if owner.AddReply(child.FragIndex, &proto.Msg{Err: true, ErrorText: "request timeout", Raw: proto.BuildError(redis, "request timeout")}) {
		e.finishRequest(owner)
	}
}

func isDeleteCommand(cmd string) bool {
	return cmd == "delete" || cmd == "del"
}

func serverKey(p *ServerPool, s *Server) string {
	return p.Name + "/" + s.Name
}

// serverConnFor returns a live connection to s, dialing a fresh one
// (up to p.ServerConnections) and round-robining across the pool once
// that many are already open.
func (e *Engine) serverConnFor(p *ServerPool, s *Server) (*Conn, error) {
	key := serverKey(p, s)
	conns := e.serverConns[key]
	live := conns[:0]
	for _, c := range conns {
		if !c.Closed {
			live = append(live, c)
		}
	}
	e.serverConns[key] = live

	max := p.ServerConnections
	if max <= 0 {
		max = 1
	}
	if len(live) < max {
		return e.dialServer(p, s)
	}

	idx := e.rrCounter[key] % len(live)
	e.rrCounter[key]++
	return live[idx], nil
}

func (e *Engine) dialServer(p *ServerPool, s *Server) (*Conn, error) {
	e.pendingDials = append(e.pendingDials, pendingDial{pool: p, server: s})
	gc, err := e.client.Dial("tcp", s.Addr)
	if err != nil {
		e.pendingDials = e.pendingDials[:0]
		return nil, err
	}
	return connFromGnet(gc), nil
}

func (e *Engine) evictServerConn(pc *Conn) {
	if pc.Server == nil {
		return
	}
	pc.Pool.MarkFailure(pc.Server, time.Now())
	key := serverKey(pc.Pool, pc.Server)
	conns := e.serverConns[key]
	for i, c := range conns {
		if c == pc {
			e.serverConns[key] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
}

// Listener returns this engine's listen address in "tcp://host:port"
// form, the shape gnet.Run's protoAddr argument takes.
func (e *Engine) Listener() string {
	return "tcp://" + e.Primary.Listen
}
