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

package ioloop

import (
	"strconv"

	"github.com/packetd/httpcore/metrics"
	"github.com/packetd/httpcore/protocol/phttp"
	"github.com/packetd/httpcore/protocol/phttp2"
)

// bufferedWriter 实现 dispatch.ResponseWriter 但只在 worker goroutine 上
// 积累纯数据（状态码/首部/body），不直接触碰任何连接状态：把 HPACK
// 编码、chunked 编码、流控窗口核销这些必须单线程执行的操作都留给 I/O
// 线程在消费完成队列时完成，从而让 Writer 本身不需要锁。
type bufferedWriter struct {
	status  int
	headers map[string]string
	body    []byte
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{status: 200}
}

func (w *bufferedWriter) WriteHeader(status int, headers map[string]string) {
	w.status = status
	w.headers = headers
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	w.body = append(w.body, p...)
	return len(p), nil
}

func (w *bufferedWriter) Close() error { return nil }

// completion 是一个等待在 I/O 线程上被应用的响应 由 worker goroutine
// 产出 通过 Loop.completions 这条多生产者单消费者 channel 传递
type completion struct {
	conn   *conn
	kind   protoKind
	stream *phttp2.Stream // 仅 kind == protoH2 时有效
	writer *bufferedWriter

	keepAlive bool // 仅 kind == protoH1 时有效
}

// completeH1 由某个 HTTP/1.1 请求的 Handler 执行完毕后调用（worker
// goroutine 上），把响应数据和连接引用打包后交回 I/O 线程
func (l *Loop) completeH1(c *conn, keepAlive bool, w *bufferedWriter) {
	l.completions <- completion{conn: c, kind: protoH1, writer: w, keepAlive: keepAlive}
	l.wake()
}

// completeH2 同上 对应 HTTP/2 的一条流
func (l *Loop) completeH2(c *conn, s *phttp2.Stream, w *bufferedWriter) {
	l.completions <- completion{conn: c, kind: protoH2, stream: s, writer: w}
	l.wake()
}

// applyCompletion 在 I/O 线程上把一个完成的响应写入对应连接的
// OutputBuffer 这是唯一允许驱动 c.h1/c.h2 写路径状态机的地方
func (l *Loop) applyCompletion(comp completion) {
	c := comp.conn
	if _, stillTracked := l.conns[c.fd]; !stillTracked {
		return // 连接已经被关闭（例如超时），丢弃迟到的完成事件
	}

	switch comp.kind {
	case protoH1:
		headers := headerSliceH1(comp.writer.headers)
		phttp.Respond(c.out, comp.writer.status, headers, comp.writer.body, comp.keepAlive)
		metrics.RequestsHandled.WithLabelValues("http1", strconv.Itoa(comp.writer.status)).Inc()
		c.h1.Reset()
		c.h1Busy = false
		if !comp.keepAlive || c.closeAfterResponse {
			c.shouldClose = true
		}
	case protoH2:
		headers := headerSliceH2(comp.writer.headers)
		if err := c.h2.Respond(c.out, comp.stream, comp.writer.status, headers, comp.writer.body); err != nil {
			metrics.ProtocolErrors.WithLabelValues("http2", "respond_failed").Inc()
			c.shouldClose = true
		}
		metrics.RequestsHandled.WithLabelValues("http2", strconv.Itoa(comp.writer.status)).Inc()
	}

	if err := l.flushConn(c); err != nil {
		l.closeConn(c)
	}
}

func headerSliceH1(m map[string]string) []phttp.Header {
	if len(m) == 0 {
		return nil
	}
	out := make([]phttp.Header, 0, len(m))
	for k, v := range m {
		out = append(out, phttp.Header{Name: k, Value: v})
	}
	return out
}

func headerSliceH2(m map[string]string) []phttp2.HeaderField {
	if len(m) == 0 {
		return nil
	}
	out := make([]phttp2.HeaderField, 0, len(m))
	for k, v := range m {
		out = append(out, phttp2.HeaderField{Name: k, Value: v})
	}
	return out
}
