// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/packetd/httpcore/confengine"
	"github.com/packetd/httpcore/dispatch"
	"github.com/packetd/httpcore/internal/sigs"
	"github.com/packetd/httpcore/ioloop"
	"github.com/packetd/httpcore/logger"
	"github.com/packetd/httpcore/server"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP/1.1 and HTTP/2 server core",
	Run: func(cmd *cobra.Command, args []string) {
		conf, err := confengine.LoadConfigPath(serveConfigPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}

		cfg := defaultConfig()
		if err := conf.Unpack(&cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to decode config: %v\n", err)
			os.Exit(1)
		}
		logger.SetOptions(cfg.Logger)

		loopCfg := cfg.Core.loopConfig()

		router := dispatch.NewRouter()
		registerDefaultRoutes(router)

		loop, err := ioloop.New(loopCfg, router)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create loop: %v\n", err)
			os.Exit(1)
		}
		if err := loop.Listen(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to listen on %s: %v\n", loopCfg.Address, err)
			os.Exit(1)
		}

		admin, err := server.New(conf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create admin server: %v\n", err)
			os.Exit(1)
		}
		if admin != nil {
			registerAdminRoutes(admin)
			go func() {
				if err := admin.ListenAndServe(); err != nil {
					logger.Errorf("admin server stopped: %v", err)
				}
			}()
		}

		loopErr := make(chan error, 1)
		go func() { loopErr <- loop.Run() }()
		logger.Infof("serving on %s", loopCfg.Address)

		var reloadTotal int
		for {
			select {
			case err := <-loopErr:
				if err != nil {
					logger.Errorf("loop exited: %v", err)
				}
				return

			case <-sigs.Terminate():
				logger.Infof("received termination signal, draining connections")
				loop.Drain()

				grace := time.Duration(cfg.Core.ShutdownGraceSeconds) * time.Second
				select {
				case err := <-loopErr:
					if err != nil {
						logger.Errorf("loop exited: %v", err)
					}
				case <-time.After(grace):
					logger.Warnf("shutdown grace period (%s) elapsed, forcing close", grace)
					if err := loop.Close(); err != nil {
						logger.Errorf("close: %v", err)
					}
				}
				return

			case <-sigs.Reload():
				reloadTotal++

				newConf, err := confengine.LoadConfigPath(serveConfigPath)
				if err != nil {
					fmt.Fprintf(os.Stderr, "failed to reload config (count=%d): %v\n", reloadTotal, err)
					continue
				}
				reloaded := defaultConfig()
				if err := newConf.Unpack(&reloaded); err != nil {
					logger.Errorf("failed to decode reloaded config (count=%d): %v", reloadTotal, err)
					continue
				}

				// 监听地址 缓冲区大小 worker 数量这些只在启动时生效的参数
				// 需要重启才能应用，reload 只热更新日志级别。
				logger.SetLoggerLevel(reloaded.Logger.Level)
				logger.Infof("reloaded config (count=%d)", reloadTotal)
			}
		}
	},
	Example: "  httpcore serve --config httpcore.yaml",
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "httpcore.yaml", "Configuration file path")
	rootCmd.AddCommand(serveCmd)
}

// registerDefaultRoutes 给独立运行的核心注册一条最小的存活探测路由
// 业务方在把 httpcore 当库用时会注册自己的路由 替换掉这里的默认值。
func registerDefaultRoutes(r *dispatch.Router) {
	r.Handle(http.MethodGet, "/healthz", func(ctx *dispatch.Context) {
		ctx.Writer.WriteHeader(http.StatusOK, map[string]string{"Content-Type": "text/plain"})
		_, _ = ctx.Writer.Write([]byte("ok"))
		_ = ctx.Writer.Close()
	})
}

func registerAdminRoutes(s *server.Server) {
	s.RegisterGetRoute("/metrics", promhttp.Handler().ServeHTTP)
	s.RegisterGetRoute("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
