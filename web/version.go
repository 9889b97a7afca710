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

	"github.com/gin-gonic/gin"
)

// Build-time identifiers, set via -ldflags the same way main's are.
var (
	Tag       = "unknown"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// HandleVersion reports the running binary's build identity.
func HandleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tag":        Tag,
		"commit_sha": CommitSHA,
		"build_time": BuildTime,
	})
}
