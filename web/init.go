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

// Package web is the admin HTTP surface: pprof, build version, the IP
// allow-list status, Prometheus metrics, and a per-pool health snapshot
// (replacing the cluster/node surface the standalone redis pool used).
package web

import (
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shardproxy/internal/proxy"
)

// Init registers every admin route on ginSrv. pools is the fully-built
// set this process is serving, keyed by pool name; HandlePools walks it
// on every request so a pool's live/ejected server counts always reflect
// the current state.
func Init(ginSrv *gin.Engine, pools map[string]*proxy.ServerPool) {
	pprof.Register(ginSrv)
	ginSrv.GET("/pools", HandlePools(pools))
	ginSrv.GET("/authip", HandleAuthIp)
	ginSrv.GET("/version", HandleVersion)
	ginSrv.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
