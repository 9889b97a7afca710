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

// Package proto implements the memcached-ASCII and Redis-RESP request and
// response parsers. Both parsers are resumable: fed a partial buffer they
// report State.Again, and the caller re-invokes parsing once more bytes
// have arrived. Nothing is consumed from the buffer until a message is
// complete, so the re-invocation parses the current message again from
// its first byte.
package proto

// State is the outcome of one parse attempt.
type State int

const (
	// Again means the buffer doesn't yet hold a complete message; the
	// caller should read more bytes and retry.
	Again State = iota
	// Repair means the in-progress token sits exactly at the buffer's
	// current end; the caller should compact the buffer (moving the
	// unconsumed token to offset 0) before appending more data, so the
	// buffer doesn't grow without bound on a boundary-aligned token.
	// Buffer.Append performs this compaction itself, so parsers never
	// need to return Repair distinctly from Again at the package's
	// public API - see buffer.go's doc comment.
	Repair
	// Fragment means a multi-key command produced more than one key; Msg.Keys
	// holds all of them and the caller (the request-forwarding layer) is
	// responsible for splitting one Msg per destination server.
	Fragment
	// Error means the buffer holds syntactically invalid input.
	Error
	// OK means one complete message was parsed; Msg is ready to route.
	OK
)
