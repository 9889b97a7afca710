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

	"shardproxy/internal/proto"
)

func TestBuildFragmentsSingleKey(t *testing.T) {
	p := newKetamaPool(t, "a", "b", "c")
	now := time.Now()
	p.EnsureFresh(now)

	req, _, err := proto.ParseMemcacheRequest(bufferFrom("get foo\r\n"))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	frags, err := BuildFragments(p, req, now)
	if err != nil {
		t.Fatalf("BuildFragments error: %v", err)
	}
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment for a single key, got %d", len(frags))
	}
	if string(frags[0].Wire) != "get foo\r\n" {
		t.Fatalf("single-key fragment should reuse the original wire bytes, got %q", frags[0].Wire)
	}
}

func TestBuildFragmentsGroupsMultiGetByServer(t *testing.T) {
	p := newKetamaPool(t, "a", "b", "c")
	now := time.Now()
	p.EnsureFresh(now)

	req, _, err := proto.ParseMemcacheRequest(bufferFrom("get k1 k2 k3 k4 k5\r\n"))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(req.Keys) != 5 {
		t.Fatalf("expected 5 keys, got %d", len(req.Keys))
	}

	frags, err := BuildFragments(p, req, now)
	if err != nil {
		t.Fatalf("BuildFragments error: %v", err)
	}
	if len(frags) < 1 || len(frags) > 3 {
		t.Fatalf("expected between 1 and 3 server fragments, got %d", len(frags))
	}

	total := 0
	seen := map[string]bool{}
	for _, f := range frags {
		total += len(f.Keys)
		for _, k := range f.Keys {
			seen[string(k)] = true
		}
	}
	if total != 5 {
		t.Fatalf("expected every key accounted for across fragments, got %d", total)
	}
	for _, k := range []string{"k1", "k2", "k3", "k4", "k5"} {
		if !seen[k] {
			t.Fatalf("key %q missing from fragment output", k)
		}
	}
}

// Each reply here is the shape Engine.drainServer actually hands
// CoalesceMemcache: one merged Msg per destination server, Command
// "value", whose Raw already ends in that fragment's own "END\r\n" (see
// the VALUE...VALUE,END fold in drainServer). CoalesceMemcache must
// strip every fragment's embedded END except the last one's.
func TestCoalesceMemcacheStripsNonFinalEnd(t *testing.T) {
	replies := []*proto.Msg{
		{Command: "value", Raw: []byte("VALUE k1 0 3\r\nabc\r\nEND\r\n")},
		{Command: "value", Raw: []byte("VALUE k2 0 3\r\ndef\r\nEND\r\n")},
	}
	got := string(CoalesceMemcache(replies))
	want := "VALUE k1 0 3\r\nabc\r\nVALUE k2 0 3\r\ndef\r\nEND\r\n"
	if got != want {
		t.Fatalf("CoalesceMemcache = %q, want %q", got, want)
	}
}

// A fragment whose keys all miss folds down to a bare "END\r\n" (no
// VALUE lines at all); that fragment's END must still be stripped
// unless it is the last fragment.
func TestCoalesceMemcacheHandlesAllMissFragment(t *testing.T) {
	replies := []*proto.Msg{
		{Command: "value", Raw: []byte("END\r\n")},
		{Command: "value", Raw: []byte("VALUE k2 0 3\r\ndef\r\nEND\r\n")},
	}
	got := string(CoalesceMemcache(replies))
	want := "VALUE k2 0 3\r\ndef\r\nEND\r\n"
	if got != want {
		t.Fatalf("CoalesceMemcache = %q, want %q", got, want)
	}
}

// A RESP MGET fragment's reply is parsed whole as one Command:"array"
// Msg (ParseRESPResponse's '*' case); this is the single-key-per-
// fragment shape (each fragment answers exactly one of the split keys).
func TestCoalesceRESPArrayFlattensSingleKeyFragments(t *testing.T) {
	replies := []*proto.Msg{
		{Command: "array", Raw: []byte("*1\r\n$3\r\nabc\r\n")},
		{Command: "array", Raw: []byte("*1\r\n$-1\r\n")},
	}
	got := string(CoalesceRESPArray(replies))
	want := "*2\r\n$3\r\nabc\r\n$-1\r\n"
	if got != want {
		t.Fatalf("CoalesceRESPArray = %q, want %q", got, want)
	}
}

// A 3-key MGET split across two servers: one fragment answers two keys,
// the other answers one. CoalesceRESPArray must flatten both fragments'
// arrays into one *3 array, not nest them or count fragments as keys.
func TestCoalesceRESPArrayFlattensMultiKeyFragments(t *testing.T) {
	replies := []*proto.Msg{
		{Command: "array", Raw: []byte("*2\r\n$3\r\nabc\r\n$-1\r\n")},
		{Command: "array", Raw: []byte("*1\r\n$3\r\nxyz\r\n")},
	}
	got := string(CoalesceRESPArray(replies))
	want := "*3\r\n$3\r\nabc\r\n$-1\r\n$3\r\nxyz\r\n"
	if got != want {
		t.Fatalf("CoalesceRESPArray = %q, want %q", got, want)
	}
}

func bufferFrom(s string) *proto.Buffer {
	b := proto.NewBuffer()
	b.Append([]byte(s))
	return b
}
