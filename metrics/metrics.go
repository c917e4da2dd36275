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

// Package metrics 声明核心 I/O 循环暴露的 Prometheus 指标
//
// 指标划分与命名习惯沿用 controller/metrics.go：用 promauto 在包初始化
// 阶段直接注册，Namespace 统一取 common.App。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/packetd/httpcore/common"
)

var (
	ConnectionsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "connections_accepted_total",
			Help:      "Accepted TCP connections total",
		},
		[]string{"proto"},
	)

	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "connections_active",
			Help:      "Currently open connections",
		},
		[]string{"proto"},
	)

	StreamsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "http2_streams_opened_total",
			Help:      "HTTP/2 streams opened total",
		},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "http2_frames_received_total",
			Help:      "HTTP/2 frames received total by frame type",
		},
		[]string{"type"},
	)

	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "protocol_errors_total",
			Help:      "Requests rejected due to protocol or parse errors",
		},
		[]string{"proto", "reason"},
	)

	RequestsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "requests_handled_total",
			Help:      "Requests dispatched to a handler total",
		},
		[]string{"proto", "status"},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "dispatch_queue_depth",
			Help:      "Number of jobs currently queued for the worker pool",
		},
	)

	IdleConnectionsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "idle_connections_closed_total",
			Help:      "Connections closed by the idle timeout timing wheel",
		},
	)

	BytesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "bytes_received_total",
			Help:      "Raw bytes read off connection sockets total",
		},
		[]string{"proto"},
	)

	BytesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "bytes_sent_total",
			Help:      "Raw bytes written to connection sockets total",
		},
		[]string{"proto"},
	)
)
