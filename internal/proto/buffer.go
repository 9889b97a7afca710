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

	"shardproxy/internal/errs"
)

var (
	crByte   = byte('\r')
	lfByte   = byte('\n')
	crlfSize = 2
)

// Buffer assists in-place parsing of an accumulating byte stream without
// copying already-scanned bytes on every retry. Unlike the source's fixed
// mbuf chain (where a token straddling a chunk boundary triggers a
// distinct REPAIR state so the chain can be relinked), Buffer holds one
// growable slice and compacts its already-consumed prefix out on Append,
// which is where the fixed-chain implementation would instead signal
// REPAIR. A consumer never observes the difference: State.Repair exists
// in this package's vocabulary for fidelity to the source's state names,
// but Buffer's own bookkeeping means parsers here only ever need to
// return Again or OK/Fragment/Error.
type Buffer struct {
	buf []byte
	pos int
}

// NewBuffer creates an empty resumable buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds newly-read bytes to the buffer, compacting away the already
// consumed prefix first so the buffer never grows past the size of the
// single in-flight message.
func (b *Buffer) Append(p []byte) {
	if b.pos > 0 {
		b.buf = append(b.buf[:0], b.buf[b.pos:]...)
		b.pos = 0
	}
	b.buf = append(b.buf, p...)
}

// Reset discards everything the buffer holds, ready for the next message.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.pos = 0
}

// Len reports how many unconsumed bytes remain.
func (b *Buffer) Len() int {
	return len(b.buf) - b.pos
}

// Bytes exposes the unconsumed portion of the buffer, for callers that
// need to copy it out (warm-up synthesis, notify payloads).
func (b *Buffer) Bytes() []byte {
	return b.buf[b.pos:]
}

// Commit advances the consumed cursor by n bytes.
func (b *Buffer) Commit(n int) {
	b.pos += n
	if b.pos > len(b.buf) {
		b.pos = len(b.buf)
	}
}

// PeekLine returns the next CRLF-terminated line (without the CRLF),
// without consuming it. It returns errs.ErrIncompletePacket if no LF has
// arrived yet.
func (b *Buffer) PeekLine() ([]byte, error) {
	rest := b.Bytes()
	idx := bytes.IndexByte(rest, lfByte)
	if idx == -1 {
		return nil, errs.ErrIncompletePacket
	}
	if idx == 0 || rest[idx-1] != crByte {
		return nil, errs.ErrBadLine
	}
	return rest[:idx-1], nil
}

// LineLen returns the total byte length (including the trailing CRLF) of
// the next buffered line, or -1 if the line isn't complete yet.
func (b *Buffer) LineLen() int {
	rest := b.Bytes()
	idx := bytes.IndexByte(rest, lfByte)
	if idx == -1 {
		return -1
	}
	return idx + 1
}

// PeekN returns the next n unconsumed bytes without consuming them, or
// errs.ErrIncompletePacket if fewer than n bytes are buffered.
func (b *Buffer) PeekN(n int) ([]byte, error) {
	rest := b.Bytes()
	if len(rest) < n {
		return nil, errs.ErrIncompletePacket
	}
	return rest[:n], nil
}
