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

package phttp2

import (
	"io"

	"github.com/pkg/errors"
)

// State 是 HTTP/2 流状态机的状态 RFC 7540 §5.1
//
// 服务端场景下不会主动 PUSH_PROMISE（spec 未要求服务端推送），因此跳过
// reserved(local)/reserved(remote) 两个状态，只保留请求/响应路径会经过
// 的五个状态。
type State uint8

const (
	StateIdle State = iota
	StateOpen
	StateHalfClosedRemote // 客户端已发送 END_STREAM 服务端仍可写响应
	StateHalfClosedLocal  // 服务端已发送 END_STREAM
	StateClosed
)

// Request 是某个 Stream 上累积解析出的请求属性
type Request struct {
	Method    string
	Scheme    string
	Path      string
	Authority string
	Headers   []HeaderField // 不含伪头部
}

// Stream 代表一条 HTTP/2 流 其生命周期由 Connection 驱动
//
// 状态迁移与 header 续传（CONTINUATION 拼接）逻辑参照
// other_examples 中 dgrr/http2 serverConn 的 handleState/handleHeaderFrame，
// 但以 Connection 持有的共享 HeaderDecoder/HeaderEncoder 取代每个请求独立
// 解码，并把响应写出改为服务 iobuf.OutputBuffer 而非 fasthttp.RequestCtx。
type Stream struct {
	ID    uint32
	State State

	headerBuf []byte // 跨 HEADERS/CONTINUATION 帧拼接的 header block fragment
	Req       Request
	headers   *Headers

	RecvWindow int32 // 本端（服务端）可接收的流级窗口，随 DATA 到达递减
	SendWindow int32 // 对端允许服务端发送的流级窗口，随 DATA 发送递减

	// Body 是请求体的有界队列：I/O 线程把 DATA 帧 payload 推入，
	// worker goroutine 从中取出。容量在连接建立时按配置固定，
	// 对应 spec 中"每个流一个有界 body 队列"的设计（单生产者单消费者，
	// 因此復用 internal/pubsub 的 channel-as-queue 思路而非完整 pub/sub）。
	Body       chan []byte
	BodyClosed bool

	endHeaders bool
	priority   bool

	respStatus  int
	respWritten bool
}

// NewStream 创建一个处于 idle 状态的新流
func NewStream(id uint32, initialRecvWindow, initialSendWindow int32, bodyQueueSize int) *Stream {
	return &Stream{
		ID:         id,
		State:      StateIdle,
		RecvWindow: initialRecvWindow,
		SendWindow: initialSendWindow,
		Body:       make(chan []byte, bodyQueueSize),
	}
}

// Reset 将 Stream 恢复为可复用的初始状态 供 ctxpool 归还前调用
func (s *Stream) Reset() {
	s.ID = 0
	s.State = StateIdle
	s.headerBuf = s.headerBuf[:0]
	s.Req = Request{}
	s.headers = nil
	s.RecvWindow = 0
	s.SendWindow = 0
	s.BodyClosed = false
	s.endHeaders = false
	s.priority = false
	s.respStatus = 0
	s.respWritten = false
	// Body 是缓冲 channel（可能已被关闭）无法安全清空已入队元素 按原容量重新分配
	s.Body = make(chan []byte, cap(s.Body))
}

// AppendHeaderFragment 累积一个 HEADERS/CONTINUATION 帧的 header block fragment
//
// end 为真（flagEndHeaders）时尝试用 dec 完整解码并据此驱动状态迁移。
func (s *Stream) AppendHeaderFragment(dec *HeaderDecoder, fragment []byte, end, endStream bool) error {
	s.headerBuf = append(s.headerBuf, fragment...)
	if !end {
		return nil
	}

	headers, err := dec.Decode(s.headerBuf)
	if err != nil {
		var hv *headerValidationError
		if errors.As(err, &hv) {
			return newStreamError(s.ID, errCodeProtocol, "%s", err.Error())
		}
		return newConnError(errCodeCompression, "hpack decode on stream %d: %v", s.ID, err)
	}
	s.headerBuf = s.headerBuf[:0]
	s.headers = headers
	s.Req = Request{
		Method:    headers.Method(),
		Scheme:    headers.Scheme(),
		Path:      headers.Path(),
		Authority: headers.Authority(),
		Headers:   headers.Regular(),
	}

	switch s.State {
	case StateIdle:
		s.State = StateOpen
	}
	if endStream {
		s.closeRemote()
	}
	return nil
}

// closeRemote 标记对端不再发送数据 RFC 7540 §5.1
func (s *Stream) closeRemote() {
	close(s.Body)
	s.BodyClosed = true
	switch s.State {
	case StateOpen:
		s.State = StateHalfClosedRemote
	case StateHalfClosedLocal:
		s.State = StateClosed
	}
}

// CloseLocal 标记服务端响应已发送完毕
func (s *Stream) CloseLocal() {
	switch s.State {
	case StateOpen:
		s.State = StateHalfClosedLocal
	case StateHalfClosedRemote:
		s.State = StateClosed
	}
}

// PushBody 将一段 DATA payload 推入请求体队列 队列满代表流控失配（调用方
// 应当已经通过 WINDOW_UPDATE 保证不会发生这种情况）
func (s *Stream) PushBody(p []byte) bool {
	if s.BodyClosed || len(p) == 0 {
		return true
	}
	select {
	case s.Body <- p:
		return true
	default:
		return false
	}
}

// BodyReader 返回一个在 worker goroutine 上阻塞读取的 io.Reader 每次
// Read 在队列里暂时没有数据时阻塞等待下一个 DATA 帧，直到 END_STREAM
// 关闭队列后返回 io.EOF。Handler 在 HEADERS（END_HEADERS）读取完毕的
// 瞬间就已经被提交给 worker pool，此时 DATA 帧可能还没到达，因此这里
// 不能像 HTTP/1.1 的 Request.Body 那样提前整段读好再交给 handler。
func (s *Stream) BodyReader() io.Reader {
	return &streamBody{s: s}
}

type streamBody struct {
	s   *Stream
	buf []byte
}

func (b *streamBody) Read(p []byte) (int, error) {
	for len(b.buf) == 0 {
		chunk, ok := <-b.s.Body
		if !ok {
			return 0, io.EOF
		}
		b.buf = chunk
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}
