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
	"bytes"
	"math/rand"
	"time"

	"shardproxy/internal/distributor"
	"shardproxy/internal/errs"
	"shardproxy/internal/hashkit"
)

// ServerPool is a shard group: the servers it owns (or, if Virtual, the
// downstream pools it routes to instead), the distributor that picks a
// server for a key, and the operational knobs (timeouts, limits, eject,
// rate limit, gutter/peer/warm-up) governing its lifecycle.
type ServerPool struct {
	Name   string
	Listen string
	Redis  bool // protocol: true speaks RESP, false speaks memcached ASCII

	DistType distributor.Type
	HashFunc hashkit.HashFunc
	HashTag  [2]byte // two-byte {open, close} delimiter; zero value disables extraction

	Timeout             time.Duration
	Backlog             int
	ClientConnections   int
	ServerConnections   int
	ServerFailureLimit  int
	ServerRetryTimeout  time.Duration
	AutoEjectHosts      bool
	Preconnect          bool
	AutoProbeHosts      bool
	AutoWarmup          bool
	Virtual             bool
	Namespace           string
	RangeHashTagXOR     bool

	Servers []*Server

	// Range-distributor layout. Partitions and the layer-1 continuum
	// are built once (BuildPartitions/BuildRangeLayer1); layer2 live
	// sets are rebuilt on every eject/recover.
	Partitions    []distributor.Partition
	rangeLayer1   []distributor.Entry
	rangeLayer2   []distributor.Layer2
	RangeTagOrder []string

	// continuum backs ketama/modula/random dispatch.
	continuum []distributor.Entry

	Gutter       *ServerPool
	Peer         *ServerPool
	MessageQueue *ServerPool

	// DownstreamTable maps a virtual pool's extracted namespace to the
	// concrete pool that actually owns servers.
	DownstreamTable map[string]*ServerPool

	rate *RateLimiter

	// NextRebuild is the earliest wallclock at which a deferred rebuild
	// (triggered by auto_eject_hosts) is allowed to run again.
	NextRebuild time.Time

	rnd *rand.Rand
}

// NewServerPool constructs an empty pool; callers populate Servers (and,
// for range pools, call BuildRangeTopology) before the first Dispatch.
func NewServerPool(name string) *ServerPool {
	return &ServerPool{
		Name:            name,
		DownstreamTable: map[string]*ServerPool{},
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRateLimit installs a token-bucket limiter; rate<=0 disables limiting.
func (p *ServerPool) SetRateLimit(rate, burst float64, now time.Time) {
	p.rate = NewRateLimiter(rate, burst, now)
}

// Allow consumes one rate-limit token, or reports errs.ErrRateLimited.
func (p *ServerPool) Allow(now time.Time) error {
	if p.rate == nil || p.rate.Allow(now) {
		return nil
	}
	return errs.ErrRateLimited
}

// ExtractKey applies the pool's hash_tag delimiters to raw (a full
// request key), returning the substring between the first occurrence of
// HashTag[0] and the following HashTag[1], or raw unchanged if no tag is
// configured or doesn't match.
func (p *ServerPool) ExtractKey(raw []byte) []byte {
	if p.HashTag[0] == 0 && p.HashTag[1] == 0 {
		return raw
	}
	start := bytes.IndexByte(raw, p.HashTag[0])
	if start == -1 {
		return raw
	}
	end := bytes.IndexByte(raw[start+1:], p.HashTag[1])
	if end == -1 {
		return raw
	}
	return raw[start+1 : start+1+end]
}

// BuildRangeTopology validates and builds the range distributor's
// layer-1 partitions from Servers (which must already carry
// RangeStart/RangeEnd/Tag). Call once at config load or admin update;
// layer 1 never changes after, only layer 2's live sets do.
func (p *ServerPool) BuildRangeTopology(tagOrder []string) error {
	rs := make([]distributor.RangeServer, len(p.Servers))
	for i, s := range p.Servers {
		rs[i] = distributor.RangeServer{
			Index:      s.Index,
			RangeStart: s.RangeStart,
			RangeEnd:   s.RangeEnd,
			Tag:        s.Tag,
			Readable:   s.Readable(),
			Writable:   s.Writable(),
		}
	}
	partitions, err := distributor.BuildPartitions(rs)
	if err != nil {
		return err
	}
	p.Partitions = partitions
	p.rangeLayer1 = distributor.BuildRangeLayer1(partitions)
	p.RangeTagOrder = tagOrder
	p.rebuildRangeLayer2(time.Now())
	return nil
}

func (p *ServerPool) rebuildRangeLayer2(now time.Time) {
	p.rangeLayer2 = make([]distributor.Layer2, len(p.Partitions))
	live := func(idx int) bool { return p.Servers[idx].Live(now) }
	for i, part := range p.Partitions {
		p.rangeLayer2[i] = distributor.BuildLayer2(part, live)
	}
}

// weightedLiveServers returns the WeightedServer view ketama/modula need,
// restricted to currently-live servers.
func (p *ServerPool) weightedLiveServers(now time.Time) []distributor.WeightedServer {
	var out []distributor.WeightedServer
	for _, s := range p.Servers {
		if !s.Live(now) {
			continue
		}
		out = append(out, distributor.WeightedServer{Index: s.Index, Name: s.Name, Weight: s.Weight})
	}
	return out
}

// EnsureFresh rebuilds the continuum if needed: unconditionally on first
// use, or once NextRebuild has elapsed for auto-eject pools. When every
// server is ejected the rebuilt continuum is empty, and Dispatch reports
// ErrNoServerAvailable for it just as for a continuum never built.
func (p *ServerPool) EnsureFresh(now time.Time) {
	if p.AutoEjectHosts && !p.NextRebuild.IsZero() && now.Before(p.NextRebuild) {
		return
	}

	switch p.DistType {
	case distributor.Range:
		p.rebuildRangeLayer2(now)
	default:
		p.continuum = p.buildContinuum(now)
	}

	p.NextRebuild = p.nextRebuildDeadline(now)
}

func (p *ServerPool) buildContinuum(now time.Time) []distributor.Entry {
	live := p.weightedLiveServers(now)
	switch p.DistType {
	case distributor.Ketama:
		return distributor.BuildKetama(live)
	default: // Modula, Random
		return distributor.BuildModula(live)
	}
}

func (p *ServerPool) nextRebuildDeadline(now time.Time) time.Time {
	var next time.Time
	for _, s := range p.Servers {
		if s.State != Ejected {
			continue
		}
		if next.IsZero() || s.NextRetry.Before(next) {
			next = s.NextRetry
		}
	}
	return next
}

// Dispatch resolves hash (already computed over the extracted routing
// key) to a live server, honoring the configured distributor. write
// selects the range distributor's writable tag set instead of readable.
func (p *ServerPool) Dispatch(hash uint32, write bool) (*Server, error) {
	p.EnsureFresh(time.Now())

	switch p.DistType {
	case distributor.Ketama:
		idx, ok := distributor.KetamaDispatch(p.continuum, hash)
		if !ok {
			return nil, errs.ErrNoServerAvailable
		}
		return p.Servers[idx], nil

	case distributor.Modula:
		idx, ok := distributor.ModulaDispatch(p.continuum, hash)
		if !ok {
			return nil, errs.ErrNoServerAvailable
		}
		return p.Servers[idx], nil

	case distributor.Random:
		idx, ok := distributor.RandomDispatch(p.continuum, p.rnd)
		if !ok {
			return nil, errs.ErrNoServerAvailable
		}
		return p.Servers[idx], nil

	case distributor.Range:
		return p.dispatchRange(hash, write)

	default:
		return nil, errs.ErrUnsupportedProtocol
	}
}

func (p *ServerPool) dispatchRange(hash uint32, write bool) (*Server, error) {
	if len(p.rangeLayer1) == 0 {
		return nil, errs.ErrPoolDegraded
	}
	partIdx, ok := distributor.RangeDispatchLayer1(p.rangeLayer1, hash)
	if !ok {
		return nil, errs.ErrPoolDegraded
	}
	part := p.Partitions[partIdx]
	if len(part.Servers) == 0 {
		return nil, errs.ErrPoolDegraded
	}
	primaryTag := part.Servers[0].Tag
	idx, ok := distributor.RangeDispatchLayer2(p.rangeLayer2[partIdx], p.RangeTagOrder, primaryTag, write, p.rnd)
	if !ok {
		return nil, errs.ErrNoServerAvailable
	}
	return p.Servers[idx], nil
}

// MarkFailure records a transport/timeout failure against server s,
// triggering a rebuild if the failure just caused an ejection.
func (p *ServerPool) MarkFailure(s *Server, now time.Time) {
	if !p.AutoEjectHosts {
		return
	}
	if s.RecordFailure(now, p.ServerFailureLimit, p.ServerRetryTimeout) {
		p.EnsureFresh(now)
	}
}

// MarkSuccess clears server s's failure state, e.g. after a response or
// a successful active probe, and triggers a rebuild so s rejoins the
// live set.
func (p *ServerPool) MarkSuccess(s *Server, now time.Time) {
	wasEjected := s.State == Ejected
	s.RecordSuccess()
	if wasEjected {
		p.EnsureFresh(now)
	}
}

// DueForProbe lists every server whose next_probe has elapsed, for an
// auto_probe_hosts pool's per-tick active health check (§4.5 Probe). Each
// returned server's NextProbe is advanced immediately so OnTick's probe
// send doesn't repeat it before the response arrives.
func (p *ServerPool) DueForProbe(now time.Time) []*Server {
	if !p.AutoProbeHosts {
		return nil
	}
	var due []*Server
	for _, s := range p.Servers {
		if s.NextProbe.After(now) {
			continue
		}
		s.NextProbe = now.Add(p.ServerRetryTimeout)
		due = append(due, s)
	}
	return due
}

// MarkProbeResult records a completed stats/PING probe's outcome: fields
// is the parsed STAT key/value blob (empty for a bare PONG). The server's
// Cold flag tracks the probe's "cold" field, and a successful probe also
// clears any failure state the way an ordinary response would.
func (p *ServerPool) MarkProbeResult(s *Server, fields map[string]string, now time.Time) {
	s.Stats = fields
	s.Cold = fields["cold"] == "1"
	p.MarkSuccess(s, now)
}

// PoolNameHash is the hash of the pool's own name, used by RangeHashTagXOR
// to fold the pool identity into the range coordinate so two pools behind
// the same virtual router don't collide on the same 16-bit space.
func (p *ServerPool) PoolNameHash(hashFunc hashkit.HashFunc) uint32 {
	return hashFunc([]byte(p.Name))
}

// Route is the full C6/C7 routing decision for one key: rate-limit check,
// hash-tag extraction, key hashing (with the optional range XOR), pool
// dispatch, and gutter fallback if the primary pool has no live server.
// It returns the chosen server and the pool it actually belongs to (the
// gutter pool, if fallback occurred).
func (p *ServerPool) Route(rawKey []byte, write bool, now time.Time) (*Server, *ServerPool, error) {
	if err := p.Allow(now); err != nil {
		return nil, nil, err
	}

	key := p.ExtractKey(rawKey)
	hash := p.HashFunc(key)
	if p.DistType == distributor.Range && p.RangeHashTagXOR {
		hash = distributor.ApplyHashTagXOR(hash, p.PoolNameHash(p.HashFunc))
	}

	server, err := p.Dispatch(hash, write)
	if err == nil {
		return server, p, nil
	}
	if p.Gutter == nil {
		return nil, nil, err
	}

	gServer, gErr := p.Gutter.Dispatch(p.Gutter.HashFunc(key), write)
	if gErr != nil {
		return nil, nil, err
	}
	return gServer, p.Gutter, nil
}

// PeerServer returns the server in p.Peer that mirrors s, assuming the
// peer pool is topologically identical to p (same server count and
// index assignment) - the deployment shape C6's peer warm-up expects: a
// hot standby pool kept in the same shard layout as the one it backs up.
func (p *ServerPool) PeerServer(s *Server) *Server {
	if p.Peer == nil || s.Index < 0 || s.Index >= len(p.Peer.Servers) {
		return nil
	}
	return p.Peer.Servers[s.Index]
}

// ResolveDownstream extracts the namespace from a virtual pool's
// hash-tagged key and looks up the concrete downstream pool it maps to.
func (p *ServerPool) ResolveDownstream(raw []byte) (*ServerPool, error) {
	ns := p.ExtractKey(raw)
	if len(ns) == 0 {
		return nil, errs.ErrUnknownPool
	}
	downstream, ok := p.DownstreamTable[string(ns)]
	if !ok {
		return nil, errs.ErrUnknownPool
	}
	return downstream, nil
}
