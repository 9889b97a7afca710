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

// BuildWarmup rewrites a parsed memcached VALUE response into the
// synthetic "set <k> <flags> 0 <vlen> noreply\r\n<body>\r\n" request used
// to seed a cold peer-pool server (§4.5/C6 warm-up). It refuses to
// synthesize a request when the response's flags cursors are missing (a
// malformed backend), returning ok=false so the caller passes the
// original response through untouched instead.
func BuildWarmup(m *Msg) (req []byte, ok bool) {
	if m.Command != "value" || len(m.Keys) == 0 {
		return nil, false
	}
	flags := m.FlagsBytes()
	if flags == nil {
		return nil, false
	}

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	bb.WriteString("set ")
	bb.Write(m.KeyBytes(0))
	bb.WriteByte(' ')
	bb.Write(flags)
	bb.WriteString(" 0 ")
	bb.WriteString(strconv.Itoa(m.Vlen))
	bb.WriteString(" noreply\r\n")
	bb.Write(m.ValBytes())
	bb.WriteString("\r\n")

	out := make([]byte, bb.Len())
	copy(out, bb.Bytes())
	return out, true
}
