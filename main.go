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

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"path"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/panjf2000/gnet/v2"

	"shardproxy/config"
	"shardproxy/internal/authip"
	"shardproxy/internal/logging"
	"shardproxy/internal/proxy"
	"shardproxy/web"
)

var (
	configPath       = flag.String("p", "conf", "Config file path")
	basicConfigFile  = flag.String("c", "shardproxy.yaml", "Basic config filename")
	authIpConfigFile = flag.String("a", "authip.yaml", "Authip config filename")
	version          = flag.Bool("v", false, "Show version")
	help             = flag.Bool("h", false, "Show usage info")
)

var (
	CommitSHA string
	Tag       string
	BuildTime string
)

func init() {
	if len(Tag) < 1 {
		Tag = "unknown"
	}
	if len(CommitSHA) < 1 {
		CommitSHA = "unknown"
	}
	if len(BuildTime) < 1 {
		BuildTime = "unknown"
	}
	web.Tag, web.CommitSHA, web.BuildTime = Tag, CommitSHA, BuildTime
}

const banner string = `
________________________________________________  ___  __
___  ___/__  __ \__  __ \__  __ \/_  __ \_  __ \/ |/ /
__\__ \__  /_/ /_  /_/ /_  /_/ /_/ / / /  / / /|   /
____/ /_  ____/_  ____/_  _, _/ / /_/ / /_/ // |  |
/____/ /_/     /_/     /_/ |_|  \____/\____//_/|_|

`

func parseCli() {
	flag.Parse()
	if *version {
		fmt.Printf("version: %s\ncommit: %s\ntime: %s\n", Tag, CommitSHA, BuildTime)
		os.Exit(0)
	}
	if *help {
		flag.Usage()
		os.Exit(0)
	}
}

func main() {
	parseCli()

	cfg, err := config.Load(path.Join(*configPath, *basicConfigFile))
	if err != nil {
		fmt.Printf("parse config file err: %v\n", err)
		return
	}

	// Initialization Logger
	if err = logging.InitializeLogger(
		logging.WithPath(cfg.LogPath),
		logging.WithExpireDay(cfg.LogExpireDay),
		logging.WithLogLevel(cfg.LogLevel),
	); err != nil {
		fmt.Printf("failed to initialize logger, err: %s\n", err)
		return
	}

	fmt.Print(banner)
	fmt.Printf("shardproxy version: %s\n", Tag)
	fmt.Printf("shardproxy started with pid: %d, pools: %d\n", syscall.Getpid(), len(cfg.Pools))
	logging.Infof("shardproxy started with pid: %d, version: %s", syscall.Getpid(), Tag)

	// Load the hot-reloaded IP allow list the admin /authip route reports
	// against; no listener or admin route rejects an address by it
	if err := authip.LoopIPWhiteList(*configPath, *authIpConfigFile); err != nil {
		logging.Errorf("failed to loop IP white list, err: %s", err)
		return
	}

	pools, err := cfg.Build()
	if err != nil {
		logging.Errorf("failed to build pools, err: %s", err)
		return
	}

	if cfg.WebPort > 0 {
		// Initialization http server
		addr := fmt.Sprintf(":%d", cfg.WebPort)
		gin.SetMode(gin.ReleaseMode)
		ginSrv := gin.New()
		web.Init(ginSrv, pools)
		httpSrv := &http.Server{Handler: ginSrv, Addr: addr}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Errorf("failed to start http server, err: %s", err)
			}
		}()
	}

	// Every listening (non-virtual) pool runs its own Engine: one
	// gnet.Run goroutine and one backend gnet.Client on a single event
	// loop. A virtual pool never listens directly, it's only ever
	// resolved as another pool's downstream.
	var wg sync.WaitGroup
	for _, p := range pools {
		if p.Virtual || p.Listen == "" {
			continue
		}
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng := proxy.NewEngine(p)
			runErr := gnet.Run(eng, eng.Listener(),
				gnet.WithMulticore(false),
				gnet.WithNumEventLoop(1),
				gnet.WithReusePort(true),
				gnet.WithTicker(true),
			)
			if runErr != nil {
				logging.Errorf("[%s] engine exited: %v", p.Name, runErr)
			}
		}()
	}
	wg.Wait()

	logging.Infof("shardproxy shutdown, pid: %d", syscall.Getpid())
}
