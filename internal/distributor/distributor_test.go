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

package distributor

import (
	"math/rand"
	"testing"

	"shardproxy/internal/hashkit"
)

func TestKetamaMinimalRemap(t *testing.T) {
	all := []WeightedServer{
		{Index: 0, Name: "a", Weight: 1},
		{Index: 1, Name: "b", Weight: 1},
		{Index: 2, Name: "c", Weight: 1},
	}

	keys := []string{"hello", "world", "minimal-remap-1", "minimal-remap-2", "another-key", "yet-another"}
	before := BuildKetama(all)

	resolved := make(map[string]int, len(keys))
	for _, k := range keys {
		hash := hashkit.Fnv1a32Hash([]byte(k))
		idx, ok := KetamaDispatch(before, hash)
		if !ok {
			t.Fatalf("dispatch(%q) failed", k)
		}
		resolved[k] = idx
	}

	// Eject server "a" (index 0) and rebuild.
	withoutA := []WeightedServer{
		{Index: 1, Name: "b", Weight: 1},
		{Index: 2, Name: "c", Weight: 1},
	}
	after := BuildKetama(withoutA)

	for _, k := range keys {
		hash := hashkit.Fnv1a32Hash([]byte(k))
		idx, ok := KetamaDispatch(after, hash)
		if !ok {
			t.Fatalf("dispatch(%q) failed after eject", k)
		}
		if resolved[k] == 0 {
			// Previously mapped to the ejected server: must move.
			if idx == 0 {
				t.Fatalf("key %q still resolves to ejected server", k)
			}
		} else {
			// Previously mapped to a surviving server: must not move.
			if idx != resolved[k] {
				t.Fatalf("key %q remapped from %d to %d though its server survived", k, resolved[k], idx)
			}
		}
	}
}

func TestKetamaWrapsToFirstEntry(t *testing.T) {
	continuum := []Entry{{Index: 5, Value: 100}, {Index: 7, Value: 200}}
	idx, ok := KetamaDispatch(continuum, 1<<32-1)
	if !ok || idx != 5 {
		t.Fatalf("expected wraparound to entry 0 (index 5), got idx=%d ok=%v", idx, ok)
	}
}

func TestModulaDispatch(t *testing.T) {
	servers := []WeightedServer{{Index: 10}, {Index: 20}, {Index: 30}}
	continuum := BuildModula(servers)
	idx, ok := ModulaDispatch(continuum, 4)
	if !ok || idx != 20 {
		t.Fatalf("ModulaDispatch(4) = %d, want 20", idx)
	}
}

func TestRandomDispatchStaysWithinSet(t *testing.T) {
	servers := []WeightedServer{{Index: 1}, {Index: 2}, {Index: 3}}
	continuum := BuildModula(servers)
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		idx, ok := RandomDispatch(continuum, rnd)
		if !ok || (idx != 1 && idx != 2 && idx != 3) {
			t.Fatalf("RandomDispatch produced out-of-set index %d", idx)
		}
	}
}

func TestRangeWithTagsAndFailover(t *testing.T) {
	servers := []RangeServer{
		{Index: 0, RangeStart: 0, RangeEnd: 32768, Tag: "r1", Readable: true},
		{Index: 1, RangeStart: 0, RangeEnd: 32768, Tag: "w1", Readable: true, Writable: true},
		{Index: 2, RangeStart: 32768, RangeEnd: DistRangeMax, Tag: "r1", Readable: true},
		{Index: 3, RangeStart: 32768, RangeEnd: DistRangeMax, Tag: "w1", Writable: true},
	}
	partitions, err := BuildPartitions(servers)
	if err != nil {
		t.Fatalf("BuildPartitions: %v", err)
	}
	layer1 := BuildRangeLayer1(partitions)

	hash := uint32(0x4000)
	partIdx, ok := RangeDispatchLayer1(layer1, hash)
	if !ok || partIdx != 0 {
		t.Fatalf("expected partition 0, got %d (ok=%v)", partIdx, ok)
	}

	tagOrder := []string{"r1", "w1"}
	live := map[int]bool{0: true, 1: true, 2: true, 3: true}
	l2 := BuildLayer2(partitions[partIdx], func(i int) bool { return live[i] })

	rnd := rand.New(rand.NewSource(1))
	idx, ok := RangeDispatchLayer2(l2, tagOrder, "r1", false, rnd)
	if !ok || idx != 0 {
		t.Fatalf("expected server 0 (r1 replica), got %d (ok=%v)", idx, ok)
	}

	// Eject the r1 replica of partition 0; failover to w1.
	live[0] = false
	l2 = BuildLayer2(partitions[partIdx], func(i int) bool { return live[i] })
	idx, ok = RangeDispatchLayer2(l2, tagOrder, "r1", false, rnd)
	if !ok || idx != 1 {
		t.Fatalf("expected failover to server 1 (w1 replica), got %d (ok=%v)", idx, ok)
	}

	// Eject everything in partition 0: no server available.
	live[1] = false
	l2 = BuildLayer2(partitions[partIdx], func(i int) bool { return live[i] })
	_, ok = RangeDispatchLayer2(l2, tagOrder, "r1", false, rnd)
	if ok {
		t.Fatalf("expected no server available once both replicas are ejected")
	}
}

func TestBuildPartitionsRejectsGaps(t *testing.T) {
	servers := []RangeServer{
		{Index: 0, RangeStart: 0, RangeEnd: 30000, Tag: "r1", Readable: true},
		{Index: 1, RangeStart: 32768, RangeEnd: DistRangeMax, Tag: "r1", Readable: true},
	}
	if _, err := BuildPartitions(servers); err == nil {
		t.Fatalf("expected gap rejection")
	}
}

func TestBuildPartitionsRejectsMissingBoundaries(t *testing.T) {
	servers := []RangeServer{
		{Index: 0, RangeStart: 100, RangeEnd: DistRangeMax, Tag: "r1", Readable: true},
	}
	if _, err := BuildPartitions(servers); err == nil {
		t.Fatalf("expected rejection of non-zero first range_start")
	}
}
