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
	"strconv"
	"strings"

	"shardproxy/internal/errs"
)

// bulkElement is one $<len>\r\n<bytes>\r\n entry of a RESP array, located
// by its raw-byte value span (excluding the $<len>\r\n header and trailing
// CRLF). A null bulk ($-1) has Start == End == the header's end offset.
type bulkElement = Key

// scanRESPArray scans a RESP multi-bulk array ("*<n>\r\n" followed by n
// bulk strings) starting at rest[0], without mutating any Buffer state.
// It returns the element spans, the total byte length consumed, and
// whether the array was fully present (more==true means caller should
// return Again).
func scanRESPArray(rest []byte) (elements []bulkElement, total int, more bool, err error) {
	nlIdx := bytes.IndexByte(rest, lfByte)
	if nlIdx == -1 {
		return nil, 0, true, nil
	}
	if nlIdx == 0 || rest[nlIdx-1] != crByte || rest[0] != '*' {
		return nil, 0, false, errs.ErrInvalidRESP
	}
	n, convErr := strconv.Atoi(string(rest[1 : nlIdx-1]))
	if convErr != nil || n <= 0 {
		return nil, 0, false, errs.ErrInvalidRESP
	}

	off := nlIdx + 1
	elements = make([]bulkElement, 0, n)
	for k := 0; k < n; k++ {
		if off >= len(rest) {
			return nil, 0, true, nil
		}
		hdrNL := bytes.IndexByte(rest[off:], lfByte)
		if hdrNL == -1 {
			return nil, 0, true, nil
		}
		hdrEnd := off + hdrNL + 1
		if hdrNL == 0 || rest[off+hdrNL-1] != crByte || rest[off] != '$' {
			return nil, 0, false, errs.ErrInvalidRESP
		}
		blen, convErr := strconv.Atoi(string(rest[off+1 : off+hdrNL-1]))
		if convErr != nil {
			return nil, 0, false, errs.ErrInvalidRESP
		}
		if blen < 0 {
			// null bulk
			elements = append(elements, bulkElement{Start: hdrEnd, End: hdrEnd})
			off = hdrEnd
			continue
		}
		dataEnd := hdrEnd + blen
		if dataEnd+crlfSize > len(rest) {
			return nil, 0, true, nil
		}
		if rest[dataEnd] != crByte || rest[dataEnd+1] != lfByte {
			return nil, 0, false, errs.ErrInvalidRESP
		}
		elements = append(elements, bulkElement{Start: hdrEnd, End: dataEnd})
		off = dataEnd + crlfSize
	}
	return elements, off, false, nil
}

// RESPArrayElements returns the full wire-byte span of each element of a
// complete RESP array (its "*<n>\r\n" header already at raw[0]) - the
// "$<len>\r\n<bytes>\r\n" bulk encoding, or the bare "$-1\r\n" of a null
// bulk - not just its payload. A multi-destination MGET/DEL reply can
// then be flattened into one array by concatenating these spans instead
// of re-encoding each bulk string from scratch, which would otherwise
// need a nil/empty-string distinction scanRESPArray's payload-only spans
// don't carry.
func RESPArrayElements(raw []byte) ([][2]int, error) {
	nlIdx := bytes.IndexByte(raw, lfByte)
	if nlIdx == -1 || nlIdx == 0 || raw[nlIdx-1] != crByte || raw[0] != '*' {
		return nil, errs.ErrInvalidRESP
	}
	n, err := strconv.Atoi(string(raw[1 : nlIdx-1]))
	if err != nil || n <= 0 {
		return nil, errs.ErrInvalidRESP
	}

	off := nlIdx + 1
	spans := make([][2]int, 0, n)
	for k := 0; k < n; k++ {
		start := off
		hdrNL := bytes.IndexByte(raw[off:], lfByte)
		if hdrNL == -1 || raw[off+hdrNL-1] != crByte || raw[off] != '$' {
			return nil, errs.ErrInvalidRESP
		}
		hdrEnd := off + hdrNL + 1
		blen, convErr := strconv.Atoi(string(raw[off+1 : off+hdrNL-1]))
		if convErr != nil {
			return nil, errs.ErrInvalidRESP
		}
		if blen < 0 {
			spans = append(spans, [2]int{start, hdrEnd})
			off = hdrEnd
			continue
		}
		dataEnd := hdrEnd + blen + crlfSize
		spans = append(spans, [2]int{start, dataEnd})
		off = dataEnd
	}
	return spans, nil
}

// ParseRESPRequest parses one RESP request (a multi-bulk array) out of
// buf, extracting the command token and, for keyed commands, the key(s).
// GET/INCR/DECR/etc. extract one key; DEL/MGET extract every key and
// return State.Fragment so the caller can split one Msg per destination
// server, mirroring memcached's multi-key get handling; MSET records only
// its keys (the arguments at odd positions) the same way.
func ParseRESPRequest(buf *Buffer) (*Msg, State, error) {
	rest := buf.Bytes()
	if len(rest) == 0 {
		return nil, Again, nil
	}
	if rest[0] != '*' {
		return nil, Error, errs.ErrInvalidRESP
	}

	elements, total, more, err := scanRESPArray(rest)
	if err != nil {
		return nil, Error, err
	}
	if more {
		return nil, Again, nil
	}
	if len(elements) == 0 {
		return nil, Error, errs.ErrEmptyLine
	}

	raw := rest[:total]
	cmd := strings.ToUpper(string(raw[elements[0].Start:elements[0].End]))
	msg := &Msg{Proto: RESP, Command: strings.ToLower(cmd), Raw: raw}

	switch cmd {
	case "GET", "INCR", "DECR", "TYPE", "TTL", "STRLEN", "EXISTS":
		if len(elements) < 2 {
			return nil, Error, errs.ErrWrongNumberOfArguments
		}
		msg.Keys = []Key{elements[1]}

	case "SET":
		if len(elements) < 3 {
			return nil, Error, errs.ErrWrongNumberOfArguments
		}
		msg.Keys = []Key{elements[1]}
		msg.IsWrite = true
		msg.ValStart, msg.ValEnd = elements[2].Start, elements[2].End

	case "DEL", "MGET":
		if len(elements) < 2 {
			return nil, Error, errs.ErrWrongNumberOfArguments
		}
		msg.Keys = append(msg.Keys, elements[1:]...)
		msg.IsWrite = cmd == "DEL"

	case "MSET":
		if len(elements) < 3 || (len(elements)-1)%2 != 0 {
			return nil, Error, errs.ErrWrongNumberOfArguments
		}
		msg.IsWrite = true
		for i := 1; i < len(elements); i += 2 {
			msg.Keys = append(msg.Keys, elements[i])
		}

	case "PING", "QUIT":
		if cmd == "QUIT" {
			msg.Quit = true
		}

	default:
		if len(elements) >= 2 {
			msg.Keys = []Key{elements[1]}
		}
	}

	buf.Commit(total)
	msg.Done = true
	state := OK
	if len(msg.Keys) > 1 {
		state = Fragment
	}
	return msg, state, nil
}

// ParseRESPResponse parses one RESP response frame: a simple string
// (+...), error (-...), integer (:...), bulk string ($len...) or nil
// bulk ($-1), or array (used for MGET's per-key reply list).
func ParseRESPResponse(buf *Buffer) (*Msg, State, error) {
	rest := buf.Bytes()
	if len(rest) == 0 {
		return nil, Again, nil
	}

	switch rest[0] {
	case '+':
		line, err := buf.PeekLine()
		if err == errs.ErrIncompletePacket {
			return nil, Again, nil
		}
		if err != nil {
			return nil, Error, err
		}
		lineLen := buf.LineLen()
		raw := buf.Bytes()[:lineLen]
		buf.Commit(lineLen)
		return &Msg{Proto: RESP, Command: "status", Status: string(line[1:]), Raw: raw, Done: true}, OK, nil

	case '-':
		line, err := buf.PeekLine()
		if err == errs.ErrIncompletePacket {
			return nil, Again, nil
		}
		if err != nil {
			return nil, Error, err
		}
		lineLen := buf.LineLen()
		raw := buf.Bytes()[:lineLen]
		buf.Commit(lineLen)
		return &Msg{Proto: RESP, Command: "error", ErrorText: string(line[1:]), Raw: raw, Done: true, Err: true}, OK, nil

	case ':':
		line, err := buf.PeekLine()
		if err == errs.ErrIncompletePacket {
			return nil, Again, nil
		}
		if err != nil {
			return nil, Error, err
		}
		lineLen := buf.LineLen()
		raw := buf.Bytes()[:lineLen]
		buf.Commit(lineLen)
		return &Msg{Proto: RESP, Command: "integer", Status: string(line[1:]), Raw: raw, Done: true}, OK, nil

	case '$':
		line, err := buf.PeekLine()
		if err == errs.ErrIncompletePacket {
			return nil, Again, nil
		}
		if err != nil {
			return nil, Error, err
		}
		lineLen := buf.LineLen()
		blen, convErr := strconv.Atoi(string(line[1:]))
		if convErr != nil {
			return nil, Error, errs.ErrInvalidRESP
		}
		if blen < 0 {
			raw := buf.Bytes()[:lineLen]
			buf.Commit(lineLen)
			return &Msg{Proto: RESP, Command: "nil", Status: "nil", Raw: raw, Done: true}, OK, nil
		}
		total := lineLen + blen + crlfSize
		full, err := buf.PeekN(total)
		if err != nil {
			return nil, Again, nil
		}
		if full[total-2] != crByte || full[total-1] != lfByte {
			return nil, Error, errs.ErrInvalidRESP
		}
		msg := &Msg{Proto: RESP, Command: "bulk", ValStart: lineLen, ValEnd: lineLen + blen, Raw: full, Done: true}
		buf.Commit(total)
		return msg, OK, nil

	case '*':
		elements, total, more, err := scanRESPArray(rest)
		if err != nil {
			return nil, Error, err
		}
		if more {
			return nil, Again, nil
		}
		raw := rest[:total]
		msg := &Msg{Proto: RESP, Command: "array", Raw: raw, Done: true}
		msg.Keys = append(msg.Keys, elements...)
		buf.Commit(total)
		return msg, OK, nil

	default:
		return nil, Error, errs.ErrInvalidRESP
	}
}
