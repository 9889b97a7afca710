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
	"bytes"
	"testing"
)

func parseAllRequests(t *testing.T, wire []byte, splitAt int) []*Msg {
	t.Helper()
	buf := NewBuffer()
	var msgs []*Msg

	feed := func(chunk []byte) {
		buf.Append(chunk)
		for {
			msg, state, err := ParseMemcacheRequest(buf)
			switch state {
			case Again:
				return
			case Error:
				t.Fatalf("unexpected parse error: %v", err)
			case OK, Fragment:
				msgs = append(msgs, msg)
			}
		}
	}

	if splitAt <= 0 || splitAt >= len(wire) {
		feed(wire)
		return msgs
	}
	feed(wire[:splitAt])
	feed(wire[splitAt:])
	return msgs
}

func TestMemcacheRequestIdempotence(t *testing.T) {
	wire := []byte("set foo 0 0 3\r\nbar\r\n")
	whole := parseAllRequests(t, wire, 0)
	if len(whole) != 1 {
		t.Fatalf("expected 1 msg parsing whole buffer, got %d", len(whole))
	}

	for split := 1; split < len(wire); split++ {
		got := parseAllRequests(t, wire, split)
		if len(got) != 1 {
			t.Fatalf("split at %d: expected 1 msg, got %d", split, len(got))
		}
		if !bytes.Equal(got[0].KeyBytes(0), whole[0].KeyBytes(0)) {
			t.Fatalf("split at %d: key mismatch", split)
		}
		if !bytes.Equal(got[0].ValBytes(), whole[0].ValBytes()) {
			t.Fatalf("split at %d: value mismatch", split)
		}
	}
}

func TestMemcacheMultiGetFragmentation(t *testing.T) {
	wire := []byte("get k1 k2 k3\r\n")
	buf := NewBuffer()
	buf.Append(wire)
	msg, state, err := ParseMemcacheRequest(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != Fragment {
		t.Fatalf("expected Fragment, got %v", state)
	}
	if len(msg.Keys) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(msg.Keys))
	}
	want := []string{"k1", "k2", "k3"}
	for i, w := range want {
		if string(msg.KeyBytes(i)) != w {
			t.Fatalf("key %d = %q, want %q", i, msg.KeyBytes(i), w)
		}
	}
}

func TestMemcacheResponseValueAndEnd(t *testing.T) {
	wire := []byte("VALUE k1 0 2\r\n11\r\nVALUE k3 0 2\r\n33\r\nEND\r\n")
	buf := NewBuffer()
	buf.Append(wire)

	var got []*Msg
	for {
		msg, state, err := ParseMemcacheResponse(buf)
		if state == Again {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, msg)
		if state == OK && msg.LastFragment {
			break
		}
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 msgs (2 VALUE + END), got %d", len(got))
	}
	if string(got[0].KeyBytes(0)) != "k1" || string(got[0].ValBytes()) != "11" {
		t.Fatalf("first VALUE mismatch: key=%q val=%q", got[0].KeyBytes(0), got[0].ValBytes())
	}
	if string(got[1].KeyBytes(0)) != "k3" || string(got[1].ValBytes()) != "33" {
		t.Fatalf("second VALUE mismatch: key=%q val=%q", got[1].KeyBytes(0), got[1].ValBytes())
	}
	if got[2].Command != "end" {
		t.Fatalf("expected end marker, got %q", got[2].Command)
	}
}

func TestMemcacheStatBurstParsesIntoFields(t *testing.T) {
	wire := []byte("STAT uptime 12\r\nSTAT cold 1\r\nSTAT cmd_get 4\r\nEND\r\n")
	buf := NewBuffer()
	buf.Append(wire)

	var stats []*Msg
	for {
		msg, state, err := ParseMemcacheResponse(buf)
		if state == Again {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.Command == "end" {
			break
		}
		stats = append(stats, msg)
	}

	if len(stats) != 3 {
		t.Fatalf("expected 3 STAT lines, got %d", len(stats))
	}
	fields := ParseStatFields(stats)
	if fields["uptime"] != "12" || fields["cold"] != "1" || fields["cmd_get"] != "4" {
		t.Fatalf("unexpected fields: %+v", fields)
	}
}

func TestBuildProbeSelectsByProtocol(t *testing.T) {
	if got := string(BuildProbe(false)); got != "stats\r\n" {
		t.Fatalf("expected memcached stats probe, got %q", got)
	}
	if got := string(BuildProbe(true)); got != "*1\r\n$4\r\nPING\r\n" {
		t.Fatalf("expected RESP PING probe, got %q", got)
	}
}

func TestWarmupRewriteRoundTrips(t *testing.T) {
	wire := []byte("VALUE foo 42 3\r\nbar\r\nEND\r\n")
	buf := NewBuffer()
	buf.Append(wire)
	msg, state, err := ParseMemcacheResponse(buf)
	if err != nil || state != OK {
		t.Fatalf("unexpected parse result: state=%v err=%v", state, err)
	}

	synth, ok := BuildWarmup(msg)
	if !ok {
		t.Fatalf("BuildWarmup refused a well-formed VALUE")
	}
	want := []byte("set foo 42 0 3 noreply\r\nbar\r\n")
	if !bytes.Equal(synth, want) {
		t.Fatalf("warmup mismatch:\ngot:  %q\nwant: %q", synth, want)
	}

	reqBuf := NewBuffer()
	reqBuf.Append(synth)
	req, state, err := ParseMemcacheRequest(reqBuf)
	if err != nil || state != OK {
		t.Fatalf("warmup request failed to reparse: state=%v err=%v", state, err)
	}
	if req.Command != "set" || !req.NoReply || req.Vlen != 3 {
		t.Fatalf("reparsed warmup request mismatch: %+v", req)
	}
	if string(req.KeyBytes(0)) != "foo" || string(req.ValBytes()) != "bar" {
		t.Fatalf("reparsed warmup key/value mismatch: key=%q val=%q", req.KeyBytes(0), req.ValBytes())
	}
}

func TestWarmupRefusesMissingFlags(t *testing.T) {
	m := &Msg{Command: "value", Keys: []Key{{0, 3}}, Raw: []byte("foo")}
	if _, ok := BuildWarmup(m); ok {
		t.Fatalf("expected BuildWarmup to refuse a VALUE with no flags cursor")
	}
}

func TestRESPMultiKeyFragmentation(t *testing.T) {
	wire := []byte("*3\r\n$3\r\nDEL\r\n$2\r\nk1\r\n$2\r\nk2\r\n")
	buf := NewBuffer()
	buf.Append(wire)
	msg, state, err := ParseRESPRequest(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != Fragment {
		t.Fatalf("expected Fragment, got %v", state)
	}
	if len(msg.Keys) != 2 || string(msg.KeyBytes(0)) != "k1" || string(msg.KeyBytes(1)) != "k2" {
		t.Fatalf("unexpected keys: %+v", msg.Keys)
	}
	if !msg.IsWrite {
		t.Fatalf("DEL should be marked IsWrite")
	}
}

func TestRESPRequestIdempotence(t *testing.T) {
	wire := []byte("*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	var got []*Msg
	for split := 1; split < len(wire); split++ {
		buf := NewBuffer()
		buf.Append(wire[:split])
		msg, state, err := ParseRESPRequest(buf)
		if state == Again {
			buf.Append(wire[split:])
			msg, state, err = ParseRESPRequest(buf)
		}
		if err != nil {
			t.Fatalf("split %d: unexpected error: %v", split, err)
		}
		if state != OK {
			t.Fatalf("split %d: expected OK, got %v", split, state)
		}
		got = append(got, msg)
	}
	for i, m := range got {
		if m.Command != "set" || string(m.KeyBytes(0)) != "foo" {
			t.Fatalf("result %d mismatch: %+v", i, m)
		}
	}
}

func TestRESPResponseBulkAndNil(t *testing.T) {
	buf := NewBuffer()
	buf.Append([]byte("$3\r\nbar\r\n$-1\r\n"))

	msg, state, err := ParseRESPResponse(buf)
	if err != nil || state != OK {
		t.Fatalf("unexpected bulk parse: state=%v err=%v", state, err)
	}
	if string(msg.ValBytes()) != "bar" {
		t.Fatalf("expected bulk value %q, got %q", "bar", msg.ValBytes())
	}

	msg, state, err = ParseRESPResponse(buf)
	if err != nil || state != OK {
		t.Fatalf("unexpected nil parse: state=%v err=%v", state, err)
	}
	if msg.Command != "nil" {
		t.Fatalf("expected nil bulk, got %q", msg.Command)
	}
}
