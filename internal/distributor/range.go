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
	"sort"

	"shardproxy/internal/errs"
)

// DistRangeMax bounds the range coordinate space: a key's hash is masked
// down to its low 16 bits before bucketing.
const DistRangeMax = 65536

// MaxFailoverTags bounds how many alternate tags a failed dispatch will
// scan before giving up on a partition.
const MaxFailoverTags = 4

// RangeServer describes one server's placement within the range continuum:
// the [RangeStart, RangeEnd) slice it (and its replicas) own, its tag, and
// which of read/write traffic it serves.
type RangeServer struct {
	Index      int
	RangeStart uint32
	RangeEnd   uint32
	Tag        string
	Readable   bool
	Writable   bool
}

// Partition is one layer-1 slot: a contiguous range owned by one or more
// replica servers (same RangeStart/RangeEnd, distinguished by Tag).
type Partition struct {
	RangeStart uint32
	RangeEnd   uint32
	Servers    []RangeServer
}

// BuildPartitions groups servers into partitions by equal RangeStart,
// validating that the ranges exactly tile [0, DistRangeMax) with no gaps
// or overlaps beyond same-partition replicas. Servers need not be
// pre-sorted.
func BuildPartitions(servers []RangeServer) ([]Partition, error) {
	if len(servers) == 0 {
		return nil, errs.ErrInvalidRange
	}

	sorted := make([]RangeServer, len(servers))
	copy(sorted, servers)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].RangeStart != sorted[j].RangeStart {
			return sorted[i].RangeStart < sorted[j].RangeStart
		}
		return sorted[i].RangeEnd < sorted[j].RangeEnd
	})

	var partitions []Partition
	i := 0
	for i < len(sorted) {
		start := sorted[i].RangeStart
		end := sorted[i].RangeEnd
		j := i
		var members []RangeServer
		for j < len(sorted) && sorted[j].RangeStart == start {
			if sorted[j].RangeEnd != end {
				return nil, errs.ErrInvalidRange
			}
			members = append(members, sorted[j])
			j++
		}
		partitions = append(partitions, Partition{RangeStart: start, RangeEnd: end, Servers: members})
		i = j
	}

	if partitions[0].RangeStart != 0 {
		return nil, errs.ErrInvalidRange
	}
	if partitions[len(partitions)-1].RangeEnd != DistRangeMax {
		return nil, errs.ErrInvalidRange
	}
	for k := 0; k+1 < len(partitions); k++ {
		if partitions[k].RangeEnd != partitions[k+1].RangeStart {
			return nil, errs.ErrInvalidRange
		}
	}

	return partitions, nil
}

// BuildRangeLayer1 builds the sorted {partition_index, range_end} array
// binary-searched by RangeDispatchLayer1. Constructed once per
// configuration change; reused across layer-2 rebuilds.
func BuildRangeLayer1(partitions []Partition) []Entry {
	continuum := make([]Entry, len(partitions))
	for i, p := range partitions {
		continuum[i] = Entry{Index: i, Value: p.RangeEnd}
	}
	return continuum
}

// RangeDispatchLayer1 masks hash to its low 16 bits and binary-searches the
// layer-1 continuum (sorted ascending by range end, right-boundary
// convention hash in [left, right)) for the owning partition index.
func RangeDispatchLayer1(continuum []Entry, hash uint32) (int, bool) {
	if len(continuum) == 0 {
		return 0, false
	}
	hash &= DistRangeMax - 1
	i := sort.Search(len(continuum), func(i int) bool { return continuum[i].Value > hash })
	if i >= len(continuum) {
		return 0, false
	}
	return continuum[i].Index, true
}

// Layer2 holds, for one partition, the currently-live servers grouped by
// tag and by whether they serve reads or writes. Rebuilt whenever a
// server's liveness changes; layer 1 (the partition boundaries) never
// moves.
type Layer2 struct {
	Readable map[string][]int
	Writable map[string][]int
}

// BuildLayer2 rebuilds a partition's live sets from its configured replica
// servers, given a predicate reporting whether a server index is currently
// live (not ejected).
func BuildLayer2(partition Partition, live func(serverIndex int) bool) Layer2 {
	l2 := Layer2{Readable: map[string][]int{}, Writable: map[string][]int{}}
	for _, s := range partition.Servers {
		if !live(s.Index) {
			continue
		}
		if s.Readable {
			l2.Readable[s.Tag] = append(l2.Readable[s.Tag], s.Index)
		}
		if s.Writable {
			l2.Writable[s.Tag] = append(l2.Writable[s.Tag], s.Index)
		}
	}
	return l2
}

// RangeDispatchLayer2 picks a live server within a partition for the given
// tag, failing over through tagOrder (starting at the primary tag's
// position) up to MaxFailoverTags alternates. write selects the writable
// set instead of the readable one. A tag's live set of size 1 is returned
// deterministically; larger sets are chosen uniformly at random via rnd.
func RangeDispatchLayer2(l2 Layer2, tagOrder []string, primaryTag string, write bool, rnd *rand.Rand) (int, bool) {
	set := l2.Readable
	if write {
		set = l2.Writable
	}

	start := 0
	for i, t := range tagOrder {
		if t == primaryTag {
			start = i
			break
		}
	}

	attempts := MaxFailoverTags + 1 // the primary tag plus its alternates
	if attempts > len(tagOrder) {
		attempts = len(tagOrder)
	}
	for k := 0; k < attempts; k++ {
		tag := tagOrder[(start+k)%len(tagOrder)]
		live := set[tag]
		switch len(live) {
		case 0:
			continue
		case 1:
			return live[0], true
		default:
			return live[rnd.Intn(len(live))], true
		}
	}
	return 0, false
}

// ApplyHashTagXOR XORs a key hash with a pool-name hash before range
// bucketing. Some source revisions of the range distributor do this and
// others don't; ServerPool.RangeHashTagXOR controls whether a pool opts in,
// defaulting to false (non-XOR) to preserve the single-pool case.
func ApplyHashTagXOR(hash, poolNameHash uint32) uint32 {
	return hash ^ poolNameHash
}
