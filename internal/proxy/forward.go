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
	"strconv"
	"time"

	"shardproxy/internal/errs"
	"shardproxy/internal/proto"
)

// Fragment is one destination-server slice of a (possibly multi-key)
// client request: the server it must be sent to, the keys it carries,
// and the wire bytes to write. Single-key requests produce exactly one
// Fragment whose Wire is the client's original bytes, unmodified;
// multi-key requests (memcached multi-get, RESP MGET/DEL) are split
// into one Fragment per destination server and re-encoded, mirroring
// how the real protocol groups keys by hash slot before fan-out.
type Fragment struct {
	Pool   *ServerPool
	Server *Server
	Keys   [][]byte
	Wire   []byte
}

// BuildFragments resolves every key in req against pool (honoring
// hash-tag extraction, rate limiting, auto-eject, and gutter fallback
// via ServerPool.Route) and groups them into per-server Fragments.
//
// MSET is a deliberate exception: its key/value pairing isn't carried
// in proto.Msg.Keys (only key spans are, to avoid doubling every
// Msg's key bookkeeping for the one command that needs pairs), so a
// multi-key MSET must resolve to a single destination server or it is
// rejected outright - a cross-slot MSET has no single-fragment
// representation here, the same restriction Redis Cluster itself
// applies to multi-key commands.
func BuildFragments(pool *ServerPool, req *proto.Msg, now time.Time) ([]*Fragment, error) {
	if len(req.Keys) == 0 {
		return nil, errs.ErrInvalidServerSpec
	}

	if len(req.Keys) == 1 {
		key := req.KeyBytes(0)
		server, destPool, err := pool.Route(key, req.IsWrite, now)
		if err != nil {
			return nil, err
		}
		return []*Fragment{{Pool: destPool, Server: server, Keys: [][]byte{key}, Wire: req.Raw}}, nil
	}

	type group struct {
		pool   *ServerPool
		server *Server
		keys   [][]byte
	}
	var order []string
	groups := map[string]*group{}

	for i := range req.Keys {
		key := req.KeyBytes(i)
		server, destPool, err := pool.Route(key, req.IsWrite, now)
		if err != nil {
			return nil, err
		}
		gid := destPool.Name + "#" + strconv.Itoa(server.Index)
		g, ok := groups[gid]
		if !ok {
			g = &group{pool: destPool, server: server}
			groups[gid] = g
			order = append(order, gid)
		}
		g.keys = append(g.keys, key)
	}

	if req.Command == "mset" {
		if len(order) != 1 {
			return nil, errs.ErrInvalidServerSpec
		}
		g := groups[order[0]]
		return []*Fragment{{Pool: g.pool, Server: g.server, Keys: g.keys, Wire: req.Raw}}, nil
	}

	frags := make([]*Fragment, 0, len(order))
	for _, gid := range order {
		g := groups[gid]
		var wire []byte
		switch req.Proto {
		case proto.Memcache:
			wire = proto.EncodeMemcacheGet(g.keys)
		default:
			args := make([][]byte, 0, len(g.keys)+1)
			args = append(args, []byte(req.Command))
			args = append(args, g.keys...)
			wire = proto.EncodeRESPArray(args)
		}
		frags = append(frags, &Fragment{Pool: g.pool, Server: g.server, Keys: g.keys, Wire: wire})
	}
	return frags, nil
}

// memcacheEnd is the fixed terminator every memcached get/gets reply
// (hit or miss) ends with, whether it came straight off the wire or was
// already folded from a multi-key VALUE...VALUE,END burst by
// Engine.drainServer. CoalesceMemcache relies on this fixed suffix, not
// on a reply's Command tag, to find the END each fragment carries.
const memcacheEnd = "END\r\n"

// CoalesceMemcache merges the per-fragment memcached responses of a
// multi-get back into one reply: every fragment's VALUE lines, in
// fragment order, followed by a single terminating END. Every fragment's
// reply (one per destination server, already folded by drainServer into
// one Msg per fragment) ends in its own "END\r\n" - that suffix is
// stripped from every fragment but the last, so exactly one END
// terminates the combined reply.
func CoalesceMemcache(replies []*proto.Msg) []byte {
	var out []byte
	for i, r := range replies {
		raw := r.Raw
		if i < len(replies)-1 && bytes.HasSuffix(raw, []byte(memcacheEnd)) {
			raw = raw[:len(raw)-len(memcacheEnd)]
		}
		out = append(out, raw...)
	}
	return out
}

// CoalesceRESPArray flattens one RESP array reply per destination server
// (MGET/DEL's per-fragment shape) back into a single array in the same
// key order the request was split with. Each fragment's Raw is itself a
// complete "*<n>\r\n..." array, so concatenating the fragments' Raw
// verbatim would nest arrays instead of flattening them; this walks each
// fragment's elements (proto.RESPArrayElements) and recomputes the outer
// header from the total element count across every fragment.
func CoalesceRESPArray(replies []*proto.Msg) []byte {
	var body []byte
	total := 0
	for _, r := range replies {
		spans, err := proto.RESPArrayElements(r.Raw)
		if err != nil {
			// Not itself an array (e.g. a synthesized error reply for a
			// dial failure) - pass it through as a single element.
			body = append(body, r.Raw...)
			total++
			continue
		}
		for _, s := range spans {
			body = append(body, r.Raw[s[0]:s[1]]...)
		}
		total += len(spans)
	}

	header := append([]byte{'*'}, []byte(strconv.Itoa(total))...)
	header = append(header, '\r', '\n')
	return append(header, body...)
}
