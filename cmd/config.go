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

	"github.com/packetd/httpcore/ioloop"
	"github.com/packetd/httpcore/logger"
	"github.com/packetd/httpcore/protocol/phttp2"
)

// CoreConfig 对应配置文件里的 core 小节 字段与 config:"..." tag 跟
// server.Config/logger.Options 解析方式保持一致
type CoreConfig struct {
	Host                              string `config:"host"`
	Port                              int    `config:"port"`
	Backlog                           int    `config:"backlog"`
	MaxConcurrentStreamsPerConnection uint32 `config:"maxConcurrentStreamsPerConnection"`
	MaxHeaderListSize                 uint32 `config:"maxHeaderListSize"`
	MaxFrameSize                      uint32 `config:"maxFrameSize"`
	InitialWindowSize                 uint32 `config:"initialWindowSize"`
	IdleTimeoutMillis                 int64  `config:"idleTimeoutMillis"`
	RequestTimeoutMillis              int64  `config:"requestTimeoutMillis"`
	SettingsTimeoutMillis             int64  `config:"settingsTimeoutMillis"`
	WorkerPoolSize                    int    `config:"workerPoolSize"`
	WorkerQueueSize                   int    `config:"workerQueueSize"`
	InputBufferSize                   int    `config:"inputBufferSize"`
	OutputBufferSize                  int    `config:"outputBufferSize"`
	H2BodyQueueSize                   int    `config:"h2BodyQueueSize"`
	ShutdownGraceSeconds              int    `config:"shutdownGraceSeconds"`
}

// Config 是 serve 命令解析出的顶层配置
type Config struct {
	Core   CoreConfig     `config:"core"`
	Logger logger.Options `config:"logger"`
}

func defaultConfig() Config {
	return Config{
		Core: CoreConfig{
			Host:                              "0.0.0.0",
			Port:                              8080,
			Backlog:                           1000,
			MaxConcurrentStreamsPerConnection: 100,
			MaxFrameSize:                      16384,
			InitialWindowSize:                 65535,
			IdleTimeoutMillis:                 30000,
			RequestTimeoutMillis:              10000,
			SettingsTimeoutMillis:             5000,
			WorkerQueueSize:                   4096,
			InputBufferSize:                   8192,
			OutputBufferSize:                  8192,
			H2BodyQueueSize:                   16,
			ShutdownGraceSeconds:              15,
		},
		Logger: logger.Options{Stdout: true, Level: "info"},
	}
}

// loopConfig 把 core 配置换算成 ioloop.Config 里暴露的字段
func (c CoreConfig) loopConfig() ioloop.Config {
	settings := phttp2.NewDefaultSettings()
	if c.MaxConcurrentStreamsPerConnection > 0 {
		settings.MaxConcurrentStreams = c.MaxConcurrentStreamsPerConnection
	}
	if c.MaxHeaderListSize > 0 {
		settings.MaxHeaderListSize = c.MaxHeaderListSize
	}
	if c.MaxFrameSize > 0 {
		settings.MaxFrameSize = c.MaxFrameSize
	}
	if c.InitialWindowSize > 0 {
		settings.InitialWindowSize = c.InitialWindowSize
	}

	return ioloop.Config{
		Address:            fmt.Sprintf("%s:%d", c.Host, c.Port),
		Backlog:            c.Backlog,
		MaxHeaderBytes:     c.InputBufferSize,
		PageSize:           c.OutputBufferSize,
		H2BodyQueueSize:    c.H2BodyQueueSize,
		H2Settings:         settings,
		IdleTimeoutSec:     c.IdleTimeoutMillis / 1000,
		RequestTimeoutSec:  c.RequestTimeoutMillis / 1000,
		SettingsTimeoutSec: c.SettingsTimeoutMillis / 1000,
		PoolQueueSize:      c.WorkerQueueSize,
		WorkerPoolSize:     c.WorkerPoolSize,
	}
}
