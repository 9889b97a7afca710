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

// Package config loads the on-disk Config object: an admin/logging
// section plus one or more named server pools, each carrying the
// dist_type/hash/hash_tag/timeout/limit fields spec.md's C6 names and a
// servers[] list in the "name:port:weight[ rstart-rend][ tag][ r|w|rw|none]"
// grammar. Build resolves every pool's servers, range topology, and
// gutter/peer/downstream cross-references into ready-to-dispatch
// *proxy.ServerPool values; the core (internal/proxy) never parses YAML
// or the server-spec grammar itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"shardproxy/internal/distributor"
	"shardproxy/internal/hashkit"
	"shardproxy/internal/logging"
	"shardproxy/internal/proxy"
)

// Config is the root on-disk document.
type Config struct {
	Port         int    `yaml:"port"`
	WebPort      int    `yaml:"web_port"`
	LogPath      string `yaml:"log_path"`
	LogLevel     string `yaml:"log_level"`
	LogExpireDay int    `yaml:"log_expire_day"`

	Pools []PoolConfig `yaml:"pools"`
}

// DownstreamConfig names one entry of a virtual pool's downstream_table.
type DownstreamConfig struct {
	Name      string `yaml:"name"`
	Namespace string `yaml:"ns"`
}

// PoolConfig is one pool's on-disk form, matching spec.md §6's field list
// verbatim plus the supplemented server-spec `flags` and range XOR option
// (SPEC_FULL.md §4).
type PoolConfig struct {
	Name   string `yaml:"name"`
	Listen string `yaml:"listen"`
	Redis  bool   `yaml:"redis"`

	DistType string `yaml:"dist_type"`
	Hash     string `yaml:"hash"`
	HashTag  string `yaml:"hash_tag"`

	TimeoutMS          int  `yaml:"timeout"`
	Backlog            int  `yaml:"backlog"`
	ClientConnections  int  `yaml:"client_connections"`
	ServerConnections  int  `yaml:"server_connections"`
	ServerFailureLimit int  `yaml:"server_failure_limit"`
	ServerRetryMS      int  `yaml:"server_retry_timeout"`
	AutoEjectHosts     bool `yaml:"auto_eject_hosts"`
	Preconnect         bool `yaml:"preconnect"`
	AutoProbeHosts     bool `yaml:"auto_probe_hosts"`
	AutoWarmup         bool `yaml:"auto_warmup"`

	Gutter       string `yaml:"gutter"`
	Peer         string `yaml:"peer"`
	MessageQueue string `yaml:"message_queue"`

	Rate  float64 `yaml:"rate"`
	Burst float64 `yaml:"burst"`

	Virtual         bool               `yaml:"virtual"`
	Namespace       string             `yaml:"namespace"`
	RangeHashTagXOR bool               `yaml:"range_hash_tag_xor"`
	Downstreams     []DownstreamConfig `yaml:"downstreams"`
	RangeTagOrder   []string           `yaml:"range_tag_order"`

	Servers []string `yaml:"servers"`
}

// Load reads and validates a Config document from fileName.
func Load(fileName string) (*Config, error) {
	file, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file from %s", fileName)
	}
	var cfg Config
	if err = yaml.Unmarshal(file, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", fileName)
	}
	if err = cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "config validate failed")
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, ok := logging.LevelMapperRev[c.LogLevel]; !ok {
		return errors.Errorf("unknown log level %s", c.LogLevel)
	}
	if len(c.Pools) == 0 {
		return errors.Errorf("no pools configured")
	}
	seen := map[string]bool{}
	for _, p := range c.Pools {
		if p.Name == "" {
			return errors.Errorf("pool with empty name")
		}
		if seen[p.Name] {
			return errors.Errorf("duplicate pool name %q", p.Name)
		}
		seen[p.Name] = true
		if !p.Virtual && len(p.Servers) == 0 {
			return errors.Errorf("pool %q has no servers and is not virtual", p.Name)
		}
	}
	return nil
}

// Build resolves every PoolConfig into a live *proxy.ServerPool,
// including cross-pool gutter/peer/downstream references (a two-pass
// process: construct every pool first, then wire the references that
// name another pool).
func (c *Config) Build() (map[string]*proxy.ServerPool, error) {
	pools := make(map[string]*proxy.ServerPool, len(c.Pools))
	for _, pc := range c.Pools {
		p, err := buildPool(pc)
		if err != nil {
			return nil, errors.Wrapf(err, "pool %q", pc.Name)
		}
		pools[pc.Name] = p
	}

	for _, pc := range c.Pools {
		p := pools[pc.Name]
		if pc.Gutter != "" {
			g, ok := pools[pc.Gutter]
			if !ok {
				return nil, errors.Errorf("pool %q: unknown gutter pool %q", pc.Name, pc.Gutter)
			}
			p.Gutter = g
		}
		if pc.Peer != "" {
			peer, ok := pools[pc.Peer]
			if !ok {
				return nil, errors.Errorf("pool %q: unknown peer pool %q", pc.Name, pc.Peer)
			}
			p.Peer = peer
		}
		if pc.MessageQueue != "" {
			mq, ok := pools[pc.MessageQueue]
			if !ok {
				return nil, errors.Errorf("pool %q: unknown message_queue pool %q", pc.Name, pc.MessageQueue)
			}
			p.MessageQueue = mq
		}
		for _, d := range pc.Downstreams {
			dp, ok := pools[d.Name]
			if !ok {
				return nil, errors.Errorf("pool %q: unknown downstream pool %q", pc.Name, d.Name)
			}
			p.DownstreamTable[d.Namespace] = dp
		}
	}

	return pools, nil
}

func buildPool(pc PoolConfig) (*proxy.ServerPool, error) {
	p := proxy.NewServerPool(pc.Name)
	p.Listen = pc.Listen
	p.Redis = pc.Redis
	p.Timeout = time.Duration(pc.TimeoutMS) * time.Millisecond
	p.Backlog = pc.Backlog
	p.ClientConnections = pc.ClientConnections
	p.ServerConnections = pc.ServerConnections
	p.ServerFailureLimit = pc.ServerFailureLimit
	p.ServerRetryTimeout = time.Duration(pc.ServerRetryMS) * time.Millisecond
	p.AutoEjectHosts = pc.AutoEjectHosts
	p.Preconnect = pc.Preconnect
	p.AutoProbeHosts = pc.AutoProbeHosts
	p.AutoWarmup = pc.AutoWarmup
	p.Virtual = pc.Virtual
	p.Namespace = pc.Namespace
	p.RangeHashTagXOR = pc.RangeHashTagXOR

	if pc.HashTag != "" {
		if len(pc.HashTag) != 2 {
			return nil, errors.Errorf("hash_tag must be exactly two characters, got %q", pc.HashTag)
		}
		p.HashTag = [2]byte{pc.HashTag[0], pc.HashTag[1]}
	}

	if pc.Rate > 0 || pc.Burst > 0 {
		p.SetRateLimit(pc.Rate, pc.Burst, time.Now())
	}

	if pc.Virtual {
		return p, nil
	}

	distType, err := parseDistType(pc.DistType)
	if err != nil {
		return nil, err
	}
	p.DistType = distType

	hashFn, ok := hashkit.ByName(pc.Hash)
	if !ok {
		return nil, errors.Errorf("unknown hash function %q", pc.Hash)
	}
	p.HashFunc = hashFn

	servers := make([]*proxy.Server, len(pc.Servers))
	for i, spec := range pc.Servers {
		s, err := ParseServerSpec(spec)
		if err != nil {
			return nil, errors.Wrapf(err, "server spec %q", spec)
		}
		s.Index = i
		servers[i] = s
	}
	p.Servers = servers

	if distType == distributor.Range {
		tagOrder := pc.RangeTagOrder
		if len(tagOrder) == 0 {
			tagOrder = collectTags(servers)
		}
		if err := p.BuildRangeTopology(tagOrder); err != nil {
			return nil, errors.Wrapf(err, "range topology")
		}
	} else {
		p.EnsureFresh(time.Now())
	}

	return p, nil
}

func collectTags(servers []*proxy.Server) []string {
	seen := map[string]bool{}
	var order []string
	for _, s := range servers {
		if s.Tag == "" || seen[s.Tag] {
			continue
		}
		seen[s.Tag] = true
		order = append(order, s.Tag)
	}
	return order
}

func parseDistType(s string) (distributor.Type, error) {
	switch strings.ToLower(s) {
	case "ketama":
		return distributor.Ketama, nil
	case "modula":
		return distributor.Modula, nil
	case "random":
		return distributor.Random, nil
	case "range":
		return distributor.Range, nil
	default:
		return 0, errors.Errorf("unknown dist_type %q", s)
	}
}

// ParseServerSpec parses one servers[] entry:
//
//	name:port:weight[ rstart-rend][ tag][ r|w|rw|none]
//
// The range and tag fields are optional and only meaningful for
// dist_type=range pools; a bare `name:port:weight` is valid for the
// other three distributors. A server with no trailing flags token
// defaults to readable and writable (SPEC_FULL.md §4's supplemented
// default), matching the legacy behavior of an un-annotated server line.
func ParseServerSpec(spec string) (*proxy.Server, error) {
	fields := strings.Fields(spec)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty server spec")
	}

	head := strings.Split(fields[0], ":")
	if len(head) != 3 {
		return nil, fmt.Errorf("expected name:port:weight, got %q", fields[0])
	}
	host, port := head[0], head[1]
	weight, err := strconv.Atoi(head[2])
	if err != nil || weight <= 0 {
		return nil, fmt.Errorf("invalid weight in %q", fields[0])
	}

	// Legacy ketama ring-key quirk: a server on the default memcached
	// port rings under its bare host name; any other port appends
	// ":port" so two servers on the same host don't collide on the ring.
	name := host + ":" + port
	if port == "11211" {
		name = host
	}

	s := &proxy.Server{
		Name:   name,
		Addr:   host + ":" + port,
		Weight: weight,
		Flags:  proxy.DefaultServerFlags,
	}

	rest := fields[1:]
	for _, tok := range rest {
		switch {
		case tok[0] >= '0' && tok[0] <= '9' && strings.Contains(tok, "-"):
			bounds := strings.SplitN(tok, "-", 2)
			if len(bounds) != 2 {
				return nil, fmt.Errorf("invalid range token %q", tok)
			}
			start, err1 := strconv.ParseUint(bounds[0], 10, 32)
			end, err2 := strconv.ParseUint(bounds[1], 10, 32)
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("invalid range token %q", tok)
			}
			s.RangeStart, s.RangeEnd = uint32(start), uint32(end)

		case isFlagsToken(tok):
			s.Flags = parseFlagsToken(tok)

		default:
			s.Tag = tok
		}
	}

	return s, nil
}

func isFlagsToken(tok string) bool {
	switch strings.ToLower(tok) {
	case "r", "w", "rw", "wr", "none":
		return true
	default:
		return false
	}
}

func parseFlagsToken(tok string) proxy.ServerFlags {
	switch strings.ToLower(tok) {
	case "r":
		return proxy.ReadableFlag
	case "w":
		return proxy.WritableFlag
	case "rw", "wr":
		return proxy.ReadableFlag | proxy.WritableFlag
	default: // "none"
		return 0
	}
}
