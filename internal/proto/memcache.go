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
	"strconv"
	"strings"

	"shardproxy/internal/errs"
)

const maxKeyLength = 250

// fields splits line on single spaces, returning each token's [start,end)
// span relative to line's own start - which, since PeekLine always returns
// a prefix of the unconsumed buffer starting at offset 0, are also valid
// offsets into the eventual Msg.Raw slice.
func fields(line []byte) []Key {
	var toks []Key
	i, n := 0, len(line)
	for i < n {
		for i < n && line[i] == ' ' {
			i++
		}
		if i >= n {
			break
		}
		start := i
		for i < n && line[i] != ' ' {
			i++
		}
		toks = append(toks, Key{Start: start, End: i})
	}
	return toks
}

func tokString(line []byte, k Key) string {
	return string(line[k.Start:k.End])
}

// ParseMemcacheRequest parses one memcached-ASCII request out of buf.
// Recognised opcodes: get, gets, set, add, cas, replace, append, prepend,
// incr, decr, delete, quit. On State.Fragment, Msg.Keys holds every key of
// a multi-key get/gets; the caller splits one Msg per destination server.
func ParseMemcacheRequest(buf *Buffer) (*Msg, State, error) {
	line, err := buf.PeekLine()
	if err == errs.ErrIncompletePacket {
		return nil, Again, nil
	}
	if err != nil {
		return nil, Error, err
	}
	lineLen := buf.LineLen()
	raw := buf.Bytes()[:lineLen] // line plus its CRLF
	toks := fields(line)
	if len(toks) == 0 {
		return nil, Error, errs.ErrEmptyLine
	}

	cmd := strings.ToLower(tokString(line, toks[0]))

	switch cmd {
	case "quit":
		buf.Commit(lineLen)
		return &Msg{Proto: Memcache, Command: cmd, Quit: true, Raw: raw, Done: true}, OK, nil

	case "get", "gets":
		if len(toks) < 2 {
			return nil, Error, errs.ErrWrongNumberOfArguments
		}
		msg := &Msg{Proto: Memcache, Command: cmd}
		for _, t := range toks[1:] {
			if t.End-t.Start > maxKeyLength {
				return nil, Error, errs.ErrBadLine
			}
			msg.Keys = append(msg.Keys, t)
		}
		buf.Commit(lineLen)
		msg.Raw = raw
		state := OK
		if len(msg.Keys) > 1 {
			state = Fragment
		}
		return msg, state, nil

	case "set", "add", "replace", "append", "prepend":
		return parseStorage(buf, line, lineLen, toks, cmd, false)

	case "cas":
		return parseStorage(buf, line, lineLen, toks, cmd, true)

	case "incr", "decr":
		if len(toks) < 3 {
			return nil, Error, errs.ErrWrongNumberOfArguments
		}
		key := toks[1]
		if key.End-key.Start > maxKeyLength {
			return nil, Error, errs.ErrBadLine
		}
		noreply := len(toks) >= 4 && strings.EqualFold(tokString(line, toks[3]), "noreply")
		buf.Commit(lineLen)
		return &Msg{Proto: Memcache, Command: cmd, Keys: []Key{key}, IsWrite: true, NoReply: noreply, Raw: raw, Done: true}, OK, nil

	case "delete":
		if len(toks) < 2 {
			return nil, Error, errs.ErrWrongNumberOfArguments
		}
		key := toks[1]
		if key.End-key.Start > maxKeyLength {
			return nil, Error, errs.ErrBadLine
		}
		noreply := len(toks) >= 3 && strings.EqualFold(tokString(line, toks[2]), "noreply")
		buf.Commit(lineLen)
		return &Msg{Proto: Memcache, Command: cmd, Keys: []Key{key}, IsWrite: true, NoReply: noreply, Raw: raw, Done: true}, OK, nil

	default:
		return nil, Error, errs.ErrUnknownCommand
	}
}

// parseStorage handles set/add/replace/append/prepend/cas, which all share
// "<cmd> <key> <flags> <exptime> <bytes> [cas unique] [noreply]\r\n<data>\r\n".
func parseStorage(buf *Buffer, line []byte, lineLen int, toks []Key, cmd string, hasCas bool) (*Msg, State, error) {
	minToks := 5
	noreplyIdx := 5
	if hasCas {
		minToks = 6
		noreplyIdx = 6
	}
	if len(toks) < minToks {
		return nil, Error, errs.ErrWrongNumberOfArguments
	}

	key := toks[1]
	if key.End-key.Start > maxKeyLength {
		return nil, Error, errs.ErrBadLine
	}
	flags := toks[2]
	vlen, err := strconv.Atoi(tokString(line, toks[4]))
	if err != nil || vlen < 0 {
		return nil, Error, errs.ErrBadLine
	}
	noreply := len(toks) > noreplyIdx && strings.EqualFold(tokString(line, toks[noreplyIdx]), "noreply")

	total := lineLen + vlen + crlfSize
	full, err := buf.PeekN(total)
	if err != nil {
		return nil, Again, nil
	}
	if full[total-2] != crByte || full[total-1] != lfByte {
		return nil, Error, errs.ErrBadLine
	}

	msg := &Msg{
		Proto:      Memcache,
		Command:    cmd,
		Keys:       []Key{key},
		FlagsStart: flags.Start,
		FlagsEnd:   flags.End,
		Vlen:       vlen,
		ValStart:   lineLen,
		ValEnd:     lineLen + vlen,
		IsWrite:    true,
		NoReply:    noreply,
		Raw:        full,
		Done:       true,
	}
	buf.Commit(total)
	return msg, OK, nil
}

// ParseMemcacheResponse parses one line (or one VALUE block) of a
// memcached-ASCII response out of buf. A multi-key get's response is a
// sequence of VALUE blocks followed by one END; each VALUE block and the
// terminating END are returned as separate Msgs, left to the forwarding
// layer (C4/C7) to coalesce per the fragment vector they answer.
func ParseMemcacheResponse(buf *Buffer) (*Msg, State, error) {
	line, err := buf.PeekLine()
	if err == errs.ErrIncompletePacket {
		return nil, Again, nil
	}
	if err != nil {
		return nil, Error, err
	}
	lineLen := buf.LineLen()
	raw := buf.Bytes()[:lineLen] // line plus its CRLF
	toks := fields(line)
	if len(toks) == 0 {
		return nil, Error, errs.ErrEmptyLine
	}
	tok0 := strings.ToUpper(tokString(line, toks[0]))

	switch tok0 {
	case "VALUE":
		if len(toks) < 4 {
			return nil, Error, errs.ErrBadLine
		}
		key := toks[1]
		flags := toks[2]
		vlen, err := strconv.Atoi(tokString(line, toks[3]))
		if err != nil || vlen < 0 {
			return nil, Error, errs.ErrBadLine
		}
		total := lineLen + vlen + crlfSize
		full, err := buf.PeekN(total)
		if err != nil {
			return nil, Again, nil
		}
		if full[total-2] != crByte || full[total-1] != lfByte {
			return nil, Error, errs.ErrBadLine
		}
		msg := &Msg{
			Proto:      Memcache,
			Command:    "value",
			Keys:       []Key{key},
			FlagsStart: flags.Start,
			FlagsEnd:   flags.End,
			Vlen:       vlen,
			ValStart:   lineLen,
			ValEnd:     lineLen + vlen,
			Raw:        full,
		}
		buf.Commit(total)
		return msg, OK, nil

	case "END":
		buf.Commit(lineLen)
		return &Msg{Proto: Memcache, Command: "end", Status: "END", Raw: raw, LastFragment: true, Done: true}, OK, nil

	case "STORED", "NOT_STORED", "EXISTS", "NOT_FOUND", "DELETED":
		buf.Commit(lineLen)
		return &Msg{Proto: Memcache, Command: strings.ToLower(tok0), Status: tok0, Raw: raw, Done: true}, OK, nil

	case "ERROR":
		buf.Commit(lineLen)
		return &Msg{Proto: Memcache, Command: "error", ErrorText: tok0, Raw: raw, Done: true, Err: true}, OK, nil

	case "CLIENT_ERROR", "SERVER_ERROR":
		buf.Commit(lineLen)
		return &Msg{Proto: Memcache, Command: strings.ToLower(tok0), ErrorText: string(line), Raw: raw, Done: true, Err: true}, OK, nil

	case "STAT":
		if len(toks) < 3 {
			return nil, Error, errs.ErrBadLine
		}
		buf.Commit(lineLen)
		return &Msg{Proto: Memcache, Command: "stat", Keys: []Key{toks[1]}, ValStart: toks[2].Start, ValEnd: toks[2].End, Raw: raw}, OK, nil

	default:
		return nil, Error, errs.ErrUnknownCommand
	}
}
