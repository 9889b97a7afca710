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

package errs

import "errors"

var (
	// ErrEngineShutdown occurs when the proxy is going down.
	ErrEngineShutdown = errors.New("proxy is going to be shut down")
	// ErrEngineInShutdown occurs when shutdown is requested more than once.
	ErrEngineInShutdown = errors.New("proxy is already in shutdown")
	// ErrAcceptSocket occurs when the listener fails to accept a connection.
	ErrAcceptSocket = errors.New("accept a new connection error")
	// ErrUnsupportedProtocol occurs when a pool names a protocol that isn't memcache or redis.
	ErrUnsupportedProtocol = errors.New("only memcache and redis protocols are supported")
	// ErrUnsupportedNetwork occurs when trying to use a network other than tcp/tcp4/tcp6/unix.
	ErrUnsupportedNetwork = errors.New("only tcp/tcp4/tcp6/unix are supported")
	// ErrNegativeSize occurs when trying to pass a negative size to a buffer.
	ErrNegativeSize = errors.New("negative size is invalid")

	// ================================================= parser errors =================================================.

	// ErrIncompletePacket signals the parser needs more bytes (AGAIN).
	ErrIncompletePacket = errors.New("incomplete packet")
	// ErrCRNotFound occurs when a line is missing its terminating \r.
	ErrCRNotFound = errors.New("there is no \\r")
	// ErrLFNotFound occurs when a line is missing its terminating \n.
	ErrLFNotFound = errors.New("there is no \\n")
	// ErrBadLine occurs when a line does not match the expected grammar.
	ErrBadLine = errors.New("bad protocol line")
	// ErrEmptyLine occurs when a command line has no tokens.
	ErrEmptyLine = errors.New("empty line")
	// ErrUnknownCommand occurs when a command keyword isn't recognized.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrWrongNumberOfArguments occurs when a command's arity doesn't match its definition.
	ErrWrongNumberOfArguments = errors.New("wrong number of arguments")
	// ErrMsgTooLarge occurs when a message exceeds the configured size ceiling.
	ErrMsgTooLarge = errors.New("message length too large")
	// ErrInvalidRESP occurs when a RESP frame's type byte isn't one of +-:$*.
	ErrInvalidRESP = errors.New("invalid RESP frame")

	// ================================================= pool / routing errors =================================================.

	// ErrNoServerAvailable occurs when a distributor can't find a live server for a key.
	ErrNoServerAvailable = errors.New("no server available")
	// ErrUnknownPool occurs when a virtual-pool namespace doesn't resolve to a downstream.
	ErrUnknownPool = errors.New("unknown pool")
	// ErrUnknownPoolConn occurs when a connection references a pool that has been torn down.
	ErrUnknownPoolConn = errors.New("unknown pool connection")
	// ErrPoolDegraded occurs when a pool has fewer live servers than its range continuum requires.
	ErrPoolDegraded = errors.New("pool has no live server for this range")
	// ErrRequestTimeout occurs when a forwarded request's deadline fires before a response arrives.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrRateLimited occurs when a pool's token bucket has no tokens left for a new request.
	ErrRateLimited = errors.New("server pool rate limit exceeded")
	// ErrInvalidServerSpec occurs when a request carries no key to route by, or a multi-key MSET resolves to more than one server.
	ErrInvalidServerSpec = errors.New("invalid server spec")
	// ErrInvalidRange occurs when a server pool's configured ranges don't tile [0, DistRangeMax).
	ErrInvalidRange = errors.New("server range set does not cover the full distribution")
)
