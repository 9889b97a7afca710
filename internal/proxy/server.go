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

import "time"

// HealthState is a server's position in the auto-eject state machine:
// Healthy -> Failing(k) accumulates consecutive failures; once k reaches
// the pool's server_failure_limit the server becomes Ejected(until) and
// is excluded from dispatch until its retry window elapses.
type HealthState int

const (
	Healthy HealthState = iota
	Failing
	Ejected
)

// ServerFlags mirrors the server-spec grammar's optional r|w|rw|none
// suffix. A server with no explicit flag defaults to ReadableFlag |
// WritableFlag (see SPEC_FULL.md's supplemented server-spec grammar).
type ServerFlags int

const (
	ReadableFlag ServerFlags = 1 << iota
	WritableFlag
)

const DefaultServerFlags = ReadableFlag | WritableFlag

// Server is one backend a pool can route to. Name is the ring/log
// identity (the legacy "<host>" vs "<host>:<port>" compatibility quirk is
// resolved once at config-parse time, see config.ParseServerSpec); Addr is
// what the engine actually dials.
type Server struct {
	Index  int
	Name   string
	Addr   string
	Weight int

	// Range-distributor placement; zero values for non-range pools.
	RangeStart, RangeEnd uint32
	Tag                  string

	Flags ServerFlags

	State     HealthState
	FailCount int
	NextRetry time.Time

	// NextProbe is when an auto_probe_hosts pool should next send this
	// server an active stats/PING probe (see ServerPool.DueForProbe).
	NextProbe time.Time

	// Cold marks a peer-pool warm-up candidate: the last stats probe
	// reported this server's "cold" field true (a cache that was just
	// started or flushed and whose working set peer warm-up should
	// rebuild from the peer pool). False until a probe reports cold=1;
	// cleared once a probe reports cold=0.
	Cold bool

	// Stats holds the most recent stats probe's key/value pairs
	// (uptime, cmd_get, get_hits, cold, ...), keyed verbatim as reported.
	Stats map[string]string
}

func (s *Server) Readable() bool { return s.Flags&ReadableFlag != 0 }
func (s *Server) Writable() bool { return s.Flags&WritableFlag != 0 }

// Live reports whether s can currently be dispatched to: Healthy, or
// Failing (failures short of the limit don't eject), or an Ejected
// server whose retry window has elapsed. Such a server is counted live by
// the next continuum rebuild while its State stays Ejected until a
// successful response returns it to Healthy.
func (s *Server) Live(now time.Time) bool {
	if s.State != Ejected {
		return true
	}
	return !s.NextRetry.After(now)
}

// RecordFailure advances the state machine on a transport/timeout error.
// It returns true if this failure just caused an ejection.
func (s *Server) RecordFailure(now time.Time, failureLimit int, retryTimeout time.Duration) bool {
	if s.State == Ejected {
		return false
	}
	s.FailCount++
	if s.FailCount < failureLimit {
		s.State = Failing
		return false
	}
	s.State = Ejected
	s.NextRetry = now.Add(retryTimeout)
	return true
}

// RecordSuccess clears the failure count and returns a previously-ejected
// or failing server to Healthy - called on a successful response or a
// successful active probe.
func (s *Server) RecordSuccess() {
	s.State = Healthy
	s.FailCount = 0
}
