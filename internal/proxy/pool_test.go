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

	"shardproxy/internal/distributor"
	"shardproxy/internal/hashkit"
)

func newKetamaPool(t *testing.T, names ...string) *ServerPool {
	t.Helper()
	p := NewServerPool("test")
	p.DistType = distributor.Ketama
	p.HashFunc = hashkit.Fnv1a32Hash
	p.AutoEjectHosts = true
	p.ServerFailureLimit = 2
	p.ServerRetryTimeout = 100 * time.Millisecond
	for i, n := range names {
		p.Servers = append(p.Servers, &Server{Index: i, Name: n, Weight: 1, Flags: DefaultServerFlags})
	}
	return p
}

func TestAutoEjectAndRecover(t *testing.T) {
	p := newKetamaPool(t, "a", "b", "c")
	now := time.Now()
	p.EnsureFresh(now)

	target := p.Servers[0]
	p.MarkFailure(target, now)
	if target.State != Failing {
		t.Fatalf("expected Failing after 1st failure, got %v", target.State)
	}
	p.MarkFailure(target, now)
	if target.State != Ejected {
		t.Fatalf("expected Ejected after reaching failure limit, got %v", target.State)
	}

	hash, err := p.Dispatch(hashkit.Fnv1a32Hash([]byte("a")), false)
	if err != nil {
		t.Fatalf("unexpected dispatch error: %v", err)
	}
	if hash.Index == target.Index {
		t.Fatalf("dispatch returned the ejected server")
	}

	future := now.Add(200 * time.Millisecond)
	p.MarkSuccess(target, future)
	if target.State != Healthy {
		t.Fatalf("expected server to recover to Healthy, got %v", target.State)
	}
}

func TestRateLimitSaturation(t *testing.T) {
	now := time.Now()
	p := NewServerPool("rl")
	p.SetRateLimit(100, 10, now)

	allowed, denied := 0, 0
	for i := 0; i < 15; i++ {
		if p.Allow(now) == nil {
			allowed++
		} else {
			denied++
		}
	}
	if allowed != 10 || denied != 5 {
		t.Fatalf("expected 10 allowed / 5 denied in one burst, got %d/%d", allowed, denied)
	}

	later := now.Add(time.Second)
	if p.Allow(later) != nil {
		t.Fatalf("expected capacity restored after refill window")
	}
}

func TestExtractKeyHashTag(t *testing.T) {
	p := NewServerPool("ht")
	p.HashTag = [2]byte{'{', '}'}
	if got := string(p.ExtractKey([]byte("{user}:profile"))); got != "user" {
		t.Fatalf("ExtractKey = %q, want %q", got, "user")
	}
	if got := string(p.ExtractKey([]byte("nobraces"))); got != "nobraces" {
		t.Fatalf("ExtractKey without tag match should pass through, got %q", got)
	}
}

func TestDueForProbeAdvancesNextProbe(t *testing.T) {
	p := newKetamaPool(t, "a", "b")
	p.AutoProbeHosts = true
	p.ServerRetryTimeout = time.Minute
	now := time.Now()

	due := p.DueForProbe(now)
	if len(due) != 2 {
		t.Fatalf("expected both servers due on first check, got %d", len(due))
	}
	if due[0].NextProbe.Before(now.Add(59 * time.Second)) {
		t.Fatalf("expected NextProbe advanced by retry timeout, got %v", due[0].NextProbe)
	}

	if due := p.DueForProbe(now); len(due) != 0 {
		t.Fatalf("expected no servers due immediately after a probe, got %d", len(due))
	}
}

func TestDueForProbeDisabledWithoutAutoProbeHosts(t *testing.T) {
	p := newKetamaPool(t, "a")
	if due := p.DueForProbe(time.Now()); due != nil {
		t.Fatalf("expected no probes without auto_probe_hosts, got %v", due)
	}
}

func TestMarkProbeResultSetsColdAndClearsFailures(t *testing.T) {
	p := newKetamaPool(t, "a")
	s := p.Servers[0]
	now := time.Now()
	p.MarkFailure(s, now)
	if s.State != Failing {
		t.Fatalf("expected Failing after one failure, got %v", s.State)
	}

	p.MarkProbeResult(s, map[string]string{"cold": "1", "uptime": "12"}, now)
	if !s.Cold {
		t.Fatalf("expected Cold set from stats field")
	}
	if s.State != Healthy {
		t.Fatalf("expected probe success to clear failure state, got %v", s.State)
	}

	p.MarkProbeResult(s, map[string]string{"cold": "0"}, now)
	if s.Cold {
		t.Fatalf("expected Cold cleared once a probe reports cold=0")
	}
}

func TestVirtualPoolRouting(t *testing.T) {
	downstream := NewServerPool("shard-a")
	virtual := NewServerPool("virtual")
	virtual.Virtual = true
	virtual.HashTag = [2]byte{'{', '}'}
	virtual.DownstreamTable["shard-a"] = downstream

	got, err := virtual.ResolveDownstream([]byte("{shard-a}key"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != downstream {
		t.Fatalf("expected resolution to the configured downstream pool")
	}

	if _, err := virtual.ResolveDownstream([]byte("{unknown}key")); err == nil {
		t.Fatalf("expected error for unknown namespace")
	}
}
