// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License"): you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package web

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"shardproxy/internal/proxy"
)

// ServerStatus is one backend's admin-visible health.
type ServerStatus struct {
	Name      string `json:"name"`
	Addr      string `json:"addr"`
	Tag       string `json:"tag,omitempty"`
	Weight    int    `json:"weight"`
	State     string `json:"state"`
	FailCount int    `json:"fail_count"`
}

// PoolStatus is one pool's admin-visible shape.
type PoolStatus struct {
	Name      string         `json:"name"`
	Listen    string         `json:"listen,omitempty"`
	Virtual   bool           `json:"virtual"`
	DistType  string         `json:"dist_type,omitempty"`
	Gutter    string         `json:"gutter,omitempty"`
	Peer      string         `json:"peer,omitempty"`
	Servers   []ServerStatus `json:"servers,omitempty"`
}

func stateName(s proxy.HealthState) string {
	switch s {
	case proxy.Healthy:
		return "healthy"
	case proxy.Failing:
		return "failing"
	case proxy.Ejected:
		return "ejected"
	default:
		return "unknown"
	}
}

// HandlePools returns a gin handler reporting every pool's servers and
// their current auto-eject state, sorted by pool name for stable output.
func HandlePools(pools map[string]*proxy.ServerPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		names := make([]string, 0, len(pools))
		for name := range pools {
			names = append(names, name)
		}
		sort.Strings(names)

		res := make([]PoolStatus, 0, len(names))
		for _, name := range names {
			p := pools[name]
			ps := PoolStatus{
				Name:     p.Name,
				Listen:   p.Listen,
				Virtual:  p.Virtual,
				DistType: string(p.DistType),
			}
			if p.Gutter != nil {
				ps.Gutter = p.Gutter.Name
			}
			if p.Peer != nil {
				ps.Peer = p.Peer.Name
			}
			for _, s := range p.Servers {
				ps.Servers = append(ps.Servers, ServerStatus{
					Name:      s.Name,
					Addr:      s.Addr,
					Tag:       s.Tag,
					Weight:    s.Weight,
					State:     stateName(s.State),
					FailCount: s.FailCount,
				})
			}
			res = append(res, ps)
		}

		c.JSON(http.StatusOK, res)
	}
}
