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
	"bytes"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/packetd/httpcore/common/socket"
	"github.com/packetd/httpcore/ctxpool"
	"github.com/packetd/httpcore/dispatch"
	"github.com/packetd/httpcore/internal/fasttime"
	"github.com/packetd/httpcore/iobuf"
	"github.com/packetd/httpcore/metrics"
	"github.com/packetd/httpcore/protocol/phttp"
	"github.com/packetd/httpcore/protocol/phttp2"
)

type protoKind uint8

const (
	protoUnknown protoKind = iota
	protoH1
	protoH2
)

// conn 是单条 TCP 连接在 I/O 线程侧持有的全部状态
//
// 所有字段只应当被持有它的 Loop goroutine 读写；worker goroutine 通过
// dispatch.Context.Writer 只产出纯数据（状态码/首部/body），真正写回
// c.out、推进 c.h1/c.h2 状态机的操作都被推迟到 Loop 消费完成队列时，
// 在 I/O 线程上执行，因此这里不需要任何锁。
type conn struct {
	fd int
	id string      // 调试用连接标识，日志里用来串联同一条连接的多条记录
	tp socket.Tuple // 四元组，accept 时从 sockaddr 填充，日志打点用

	in  *iobuf.InputBuffer
	out *iobuf.OutputBuffer

	proto protoKind
	h1    *phttp.Conn
	h2    *phttp2.Connection

	h1Busy             bool
	shouldClose        bool
	wantWrite          bool
	closeAfterResponse bool // 优雅关闭期间置位：当前请求处理完后不再保持连接

	lastActive int64
	wheelSlot  int

	// reqStartedAt/reqWheelSlot 是 reqTimingWheel 的簿记字段，仅在"已经
	// 收到请求的一部分但尚未解析完整"期间非零，与 lastActive 代表的连接
	// 级空闲时间是两回事。
	reqStartedAt int64
	reqWheelSlot int

	// settingsStartedAt/settingsWheelSlot 是 settingsTimingWheel 的
	// 簿记字段，只在 HTTP/2 连接发出初始 SETTINGS 之后、收到对端 ack
	// 之前非零 (SETTINGS_TIMEOUT)。
	settingsStartedAt int64
	settingsWheelSlot int

	// metricsProto 记录上一次计入 metrics.ConnectionsActive 时使用的标签，
	// 以便协议从 "unknown" 确定下来后，以及连接关闭时能精确地 Dec 对应标签。
	metricsProto string
}

func (c *conn) protoLabel() string {
	switch c.proto {
	case protoH1:
		return "http1"
	case protoH2:
		return "http2"
	default:
		return "unknown"
	}
}

func newConn(fd int, cfg Config) *conn {
	bufSize := cfg.MaxHeaderBytes * 2
	if bufSize < cfg.PageSize {
		bufSize = cfg.PageSize
	}
	return &conn{
		fd:  fd,
		id:  uuid.New().String(),
		in:  iobuf.NewInputBuffer(bufSize),
		out: iobuf.NewOutputBuffer(cfg.PageSize),
	}
}

// relabelActive 把 ConnectionsActive 的计数从接入时的 "unknown" 标签
// 迁移到嗅探出的真实协议标签上，保证 Inc/Dec 始终成对匹配同一标签。
func (l *Loop) relabelActive(c *conn) {
	label := c.protoLabel()
	if label == c.metricsProto {
		return
	}
	metrics.ConnectionsActive.WithLabelValues(c.metricsProto).Dec()
	metrics.ConnectionsActive.WithLabelValues(label).Inc()
	c.metricsProto = label
}

func (c *conn) release(mgr *ctxpool.Manager) {
	switch c.proto {
	case protoH1:
		if c.h1 != nil {
			mgr.CheckinH1Conn(c.h1)
		}
	case protoH2:
		if c.h2 != nil {
			mgr.CheckinH2Conn(c.h2)
		}
	}
}

// readConn 把 socket 上可读的数据尽量搬进 c.in 直到 EAGAIN 为止
// 然后驱动协议解析状态机
func (l *Loop) readConn(c *conn) error {
	for {
		dst := c.in.WriteSlice()
		if len(dst) == 0 {
			if c.in.ShouldCompact() {
				c.in.Compact()
				dst = c.in.WriteSlice()
			}
			if len(dst) == 0 {
				return newError("fd %d: input buffer exhausted before a full request could be parsed", c.fd)
			}
		}

		n, err := unix.Read(c.fd, dst)
		if n > 0 {
			c.in.Advance(n)
			metrics.BytesReceived.WithLabelValues(c.protoLabel()).Add(float64(n))
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			return err
		}
		if n == 0 {
			return newError("fd %d: peer closed connection", c.fd)
		}
		if n < len(dst) {
			break
		}
	}
	return l.processConn(c)
}

// processConn 在协议尚未确定时嗅探 HTTP/2 连接前言 随后把读到的数据交给
// 对应协议的状态机
func (l *Loop) processConn(c *conn) error {
	if c.proto == protoUnknown {
		matched, needMore := phttp2.DetectPreface(c.in)
		if needMore {
			return nil
		}
		if matched {
			c.proto = protoH2
			c.h2 = l.ctxmgr.CheckoutH2Conn(l.h2Handler(c))
			if !c.h2.WriteInitialSettings(c.out) {
				return newError("fd %d: failed to queue initial SETTINGS", c.fd)
			}
			l.settingsWheel.arm(c, fasttime.UnixTimestamp())
		} else {
			c.proto = protoH1
			c.h1 = l.ctxmgr.CheckoutH1Conn()
		}
		l.relabelActive(c)
	}

	var err error
	switch c.proto {
	case protoH1:
		err = l.driveH1(c)
	case protoH2:
		err = l.driveH2(c)
	}
	if err != nil {
		return err
	}
	return l.flushConn(c)
}

// driveH1 在当前没有处理中的请求时尝试解析下一个请求并提交给 dispatch
//
// HTTP/1.1 连接一次只处理一个请求（不支持管线化并发解析），因此
// c.h1Busy 为真时直接返回，等待上一个请求完成后再继续读取。
func (l *Loop) driveH1(c *conn) error {
	if c.h1Busy {
		return nil
	}
	if c.reqStartedAt == 0 && c.in.Len() > 0 {
		l.reqWheel.arm(c, fasttime.UnixTimestamp())
	}

	req, err := c.h1.Feed(c.in)
	if err != nil {
		if errors.Is(err, iobuf.ErrNeedMore) {
			return nil
		}
		l.reqWheel.disarm(c)
		switch {
		case errors.Is(err, phttp.ErrURITooLong):
			metrics.ProtocolErrors.WithLabelValues("http1", "uri_too_long").Inc()
			phttp.WriteURITooLong(c.out)
		case errors.Is(err, phttp.ErrHeaderTooLarge):
			metrics.ProtocolErrors.WithLabelValues("http1", "header_too_large").Inc()
			phttp.WriteHeaderTooLarge(c.out)
		default:
			metrics.ProtocolErrors.WithLabelValues("http1", "bad_request").Inc()
			phttp.WriteBadRequest(c.out)
		}
		c.shouldClose = true
		return nil
	}
	l.reqWheel.disarm(c)

	bw := newBufferedWriter()
	keepAlive := req.KeepAlive
	c.h1Busy = true
	ctx := &dispatch.Context{
		Method: req.Method,
		Path:   req.Path,
		Proto:  req.Proto,
		Header: req.Header,
		Body:   bytes.NewReader(req.Body),
		Writer: bw,
		Done:   func() { l.completeH1(c, keepAlive, bw) },
	}
	if !l.pool.Dispatch(ctx) {
		metrics.ProtocolErrors.WithLabelValues("http1", "queue_full").Inc()
		phttp.WriteInternalServerError(c.out)
		c.shouldClose = true
		c.h1Busy = false
	}
	return nil
}

// driveH2 把 c.in 中已到达的完整帧逐个喂给 HTTP/2 连接状态机
//
// HandleFrame 返回的错误可能只是单个流的失败（RFC 7540 §5.4.2 建议对可
// 恢复的违规只 RST_STREAM 这一条流）也可能是连接级失败；通过
// phttp2.StreamScope 区分两者，只有后者才 GOAWAY 并关闭整条连接，并且
// 两种情况都携带真实的 RFC 7540 §7 错误码而不是写死的 PROTOCOL_ERROR。
func (l *Loop) driveH2(c *conn) error {
	for {
		f, err := phttp2.ReadFrame(c.in, c.h2.Remote.MaxFrameSize)
		if err != nil {
			if errors.Is(err, iobuf.ErrNeedMore) {
				return nil
			}
			metrics.ProtocolErrors.WithLabelValues("http2", "frame_parse").Inc()
			c.h2.GoAway(c.out, phttp2.ErrorCode(err), []byte(err.Error()))
			c.shouldClose = true
			return nil
		}
		metrics.FramesReceived.WithLabelValues(phttp2.FrameTypeName(f.Type)).Inc()
		if err := c.h2.HandleFrame(f, c.out); err != nil {
			if streamID, refused := phttp2.StreamScope(err); refused {
				metrics.ProtocolErrors.WithLabelValues("http2", "stream_refused").Inc()
				c.h2.RstStream(c.out, streamID, phttp2.ErrorCode(err))
				continue
			}
			metrics.ProtocolErrors.WithLabelValues("http2", "frame_handle").Inc()
			c.h2.GoAway(c.out, phttp2.ErrorCode(err), []byte(err.Error()))
			c.shouldClose = true
			return nil
		}
		if c.h2.SettingsAcknowledged() {
			l.settingsWheel.disarm(c)
		}
	}
}

// h2Handler 返回一个绑定到 c 的 StreamHandler 在请求 header 读取完毕时
// 把请求提交给 dispatch，响应数据仍通过完成队列交回 I/O 线程写出
func (l *Loop) h2Handler(c *conn) phttp2.StreamHandler {
	return func(h2 *phttp2.Connection, s *phttp2.Stream) {
		metrics.StreamsOpened.Inc()
		header := make(http.Header, len(s.Req.Headers))
		for _, f := range s.Req.Headers {
			header[f.Name] = append(header[f.Name], f.Value)
		}

		bw := newBufferedWriter()
		ctx := &dispatch.Context{
			Method: s.Req.Method,
			Path:   s.Req.Path,
			Proto:  "HTTP/2.0",
			Header: header,
			Body:   s.BodyReader(),
			Writer: bw,
			Done:   func() { l.completeH2(c, s, bw) },
		}
		if !l.pool.Dispatch(ctx) {
			metrics.ProtocolErrors.WithLabelValues("http2", "queue_full").Inc()
			l.completions <- completion{conn: c, kind: protoH2, stream: s, writer: &bufferedWriter{status: 500}}
			l.wake()
		}
	}
}

// flushConn 尝试把 c.out 中累积的数据写到 socket 写不完时注册 EPOLLOUT
func (l *Loop) flushConn(c *conn) error {
	for !c.out.Empty() {
		p := c.out.ReadSlice()
		n, err := unix.Write(c.fd, p)
		if n > 0 {
			c.out.Advance(n)
			metrics.BytesSent.WithLabelValues(c.protoLabel()).Add(float64(n))
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				if !c.wantWrite {
					c.wantWrite = true
					return l.modFd(c.fd, unix.EPOLLIN|unix.EPOLLOUT)
				}
				return nil
			}
			return err
		}
		if n < len(p) {
			if !c.wantWrite {
				c.wantWrite = true
				return l.modFd(c.fd, unix.EPOLLIN|unix.EPOLLOUT)
			}
			return nil
		}
	}
	if c.wantWrite {
		c.wantWrite = false
		if err := l.modFd(c.fd, unix.EPOLLIN); err != nil {
			return err
		}
	}
	if c.shouldClose {
		return newError("fd %d: closing after flushing pending error response", c.fd)
	}
	return nil
}
