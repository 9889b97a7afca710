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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"shardproxy/internal/proxy"
)

func TestHandlePoolsReportsServerState(t *testing.T) {
	gin.SetMode(gin.TestMode)

	pool := proxy.NewServerPool("cache")
	pool.Listen = "127.0.0.1:21211"
	pool.Servers = []*proxy.Server{
		{Name: "a", Addr: "10.0.0.1:11211", Weight: 1},
	}
	pools := map[string]*proxy.ServerPool{"cache": pool}

	router := gin.New()
	router.GET("/pools", HandlePools(pools))

	req := httptest.NewRequest(http.MethodGet, "/pools", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var out []PoolStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(out) != 1 || out[0].Name != "cache" {
		t.Fatalf("unexpected pools response: %+v", out)
	}
	if len(out[0].Servers) != 1 || out[0].Servers[0].State != "healthy" {
		t.Fatalf("unexpected server status: %+v", out[0].Servers)
	}
}
