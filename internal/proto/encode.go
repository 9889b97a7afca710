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

package proto

import (
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// EncodeRESPArray builds a RESP multi-bulk command from args, the wire
// shape every RESP request (and the mget/del/mset sub-requests the
// forwarding layer synthesizes when fragmenting a multi-key command)
// takes regardless of which command it names.
func EncodeRESPArray(args [][]byte) []byte {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	bb.WriteByte('*')
	bb.WriteString(strconv.Itoa(len(args)))
	bb.WriteString("\r\n")
	for _, a := range args {
		bb.WriteByte('$')
		bb.WriteString(strconv.Itoa(len(a)))
		bb.WriteString("\r\n")
		bb.Write(a)
		bb.WriteString("\r\n")
	}

	out := make([]byte, bb.Len())
	copy(out, bb.Bytes())
	return out
}

// BuildNotify builds the RESP `LPUSH <poolName> "delete <key>"` command
// C7's message-queue notify fires at a pool's message_queue link after a
// delete, so a downstream consumer can invalidate its own cache of key.
func BuildNotify(poolName string, key []byte) []byte {
	payload := make([]byte, 0, len("delete ")+len(key))
	payload = append(payload, "delete "...)
	payload = append(payload, key...)
	return EncodeRESPArray([][]byte{[]byte("LPUSH"), []byte(poolName), payload})
}

// BuildError builds the protocol-appropriate error reply for a routing or
// rate-limit failure (§7's Routing/Limit error kinds): "SERVER_ERROR
// <reason>\r\n" for memcached, "-ERR <reason>\r\n" for RESP. The client
// connection stays open - only parse errors close it.
func BuildError(redis bool, reason string) []byte {
	if redis {
		return []byte("-ERR " + reason + "\r\n")
	}
	return []byte("SERVER_ERROR " + reason + "\r\n")
}

// BuildProbe builds the active-probe request §4.5's Probe sends a server
// on each due tick: "stats\r\n" for memcached, a one-element RESP array
// "*1\r\n$4\r\nPING\r\n" for RESP.
func BuildProbe(redis bool) []byte {
	if redis {
		return EncodeRESPArray([][]byte{[]byte("PING")})
	}
	return []byte("stats\r\n")
}

// ParseStatFields collects a completed STAT burst (every "stat" Msg up to
// the terminating END) into a key/value map, the shape MarkProbeResult
// consumes to read uptime/cold/cmd_get/get_hits.
func ParseStatFields(stats []*Msg) map[string]string {
	fields := make(map[string]string, len(stats))
	for _, s := range stats {
		if len(s.Keys) == 0 {
			continue
		}
		fields[string(s.KeyBytes(0))] = string(s.ValBytes())
	}
	return fields
}

// EncodeMemcacheGet builds a multi-key "get k1 k2 ...\r\n" command.
func EncodeMemcacheGet(keys [][]byte) []byte {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	bb.WriteString("get")
	for _, k := range keys {
		bb.WriteByte(' ')
		bb.Write(k)
	}
	bb.WriteString("\r\n")

	out := make([]byte, bb.Len())
	copy(out, bb.Bytes())
	return out
}
