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

// Protocol names which wire format a Msg was parsed from.
type Protocol int

const (
	Memcache Protocol = iota
	RESP
)

// Key marks the [Start, End) span of one key within a parsed message's raw
// bytes.
type Key struct {
	Start, End int
}

// Msg is the positional contract the parsers hand to the routing and
// forwarding layer (C4-C7): enough cursors into the raw buffer to compute
// a routing key without copying, rewrite a response into a warm-up
// request, and coalesce fragment responses - never a parsed-and-reified
// command object.
type Msg struct {
	Proto   Protocol
	Command string

	// Raw is the full raw bytes of this message (request line plus any
	// data block), sliced directly out of the connection's read buffer.
	Raw []byte

	// Keys holds every key span found in a (possibly multi-key) request,
	// in source order. Single-key commands populate exactly one entry.
	Keys []Key

	FlagsStart, FlagsEnd int
	Vlen                 int
	ValStart, ValEnd     int

	NoReply bool
	Quit    bool
	IsWrite bool

	// FragID, LastFragment and Done/Err support multi-key fragment
	// vectors: children share FragID, the final child sets LastFragment,
	// and a vector is done only once every child's Done is true, errored
	// if any child's Err is true.
	FragID       uint64
	LastFragment bool
	Done         bool
	Err          bool

	// Status/ErrorText are populated by response parsers for non-VALUE
	// status lines (STORED, END, -ERR ..., etc).
	Status    string
	ErrorText string
}

// KeyBytes returns the raw bytes of the i-th key.
func (m *Msg) KeyBytes(i int) []byte {
	k := m.Keys[i]
	return m.Raw[k.Start:k.End]
}

// FlagsBytes returns the raw flags token of a VALUE response, or nil if
// the response carried none (malformed backend - warm-up synthesis must
// refuse in that case, see BuildWarmup).
func (m *Msg) FlagsBytes() []byte {
	if m.FlagsStart == 0 && m.FlagsEnd == 0 {
		return nil
	}
	return m.Raw[m.FlagsStart:m.FlagsEnd]
}

// ValBytes returns the raw value body.
func (m *Msg) ValBytes() []byte {
	return m.Raw[m.ValStart:m.ValEnd]
}
