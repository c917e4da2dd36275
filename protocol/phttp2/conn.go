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
	"bytes"
	"strconv"

	"github.com/pkg/errors"

	"github.com/packetd/httpcore/iobuf"
)

// StreamHandler 由上层（dispatch 包）实现 每当一个请求的 header block
// 读取完毕（END_HEADERS）就会被调用一次，此时 DATA 帧可能尚未到达
type StreamHandler func(conn *Connection, stream *Stream)

// Connection 是单条 TCP 连接上的 HTTP/2 会话状态机
//
// 整体结构（帧分发表、连接级流控窗口、SETTINGS 协商、GOAWAY）参照
// other_examples 中 dgrr/http2 serverConn 的 readLoop/handleStreams 二合一
// 设计，但去掉了它的 writeLoop/reader goroutine 间通信（单 I/O 线程不需要
// channel 调度），帧到达后同步驱动状态机并直接把待发数据写入
// iobuf.OutputBuffer，由外层 I/O 循环负责真正 flush 到 socket。
type Connection struct {
	Local  Settings // 本端通告的 SETTINGS
	Remote Settings // 对端通告的 SETTINGS（收到前使用协议默认值）

	dec *HeaderDecoder
	enc *HeaderEncoder

	streams    map[uint32]*Stream
	lastStream uint32 // 已处理过的最大客户端发起（奇数）流 id

	// ConnRecvWindow/ConnSendWindow 连接级流控窗口 RFC 7540 §6.9.1
	ConnRecvWindow int32
	ConnSendWindow int32

	prefaceDone   bool
	localSettled  bool // 本端 SETTINGS 是否已经发送
	remoteSettled bool // 对端是否已经确认收到本端的 SETTINGS（ack）
	goAwaySent    bool

	bodyQueueSize int
	handler       StreamHandler

	pendingHeaderStream uint32 // 正在拼接 CONTINUATION 的 stream id 0 表示无

	// pendingRefusedID/pendingRefusedBuf 用于被 streamFor 拒绝（超过
	// maxConcurrentStreams）的流：RFC 7540 §5.1 要求即便拒绝了这个流，
	// 它的 HEADERS/CONTINUATION header block 仍必须喂给 HPACK 解码器，
	// 否则动态表状态会与对端失去同步，拖垮后续所有请求。这里只解码
	// 丢弃，不落到任何 Stream 上。
	pendingRefusedID  uint32
	pendingRefusedBuf []byte
}

// NewConnection 创建一个新的 HTTP/2 会话 本端 SETTINGS 由调用方传入
func NewConnection(local Settings, bodyQueueSize int, handler StreamHandler) *Connection {
	return &Connection{
		Local:          local,
		Remote:         NewDefaultSettings(),
		dec:            NewHeaderDecoder(),
		enc:            NewHeaderEncoder(),
		streams:        make(map[uint32]*Stream),
		ConnRecvWindow: int32(defaultInitialWindow),
		ConnSendWindow: int32(defaultInitialWindow),
		bodyQueueSize:  bodyQueueSize,
		handler:        handler,
	}
}

// Release 归还 HPACK 资源 连接关闭时调用
func (c *Connection) Release() {
	c.dec.Release()
	c.enc.Release()
	c.pendingHeaderStream = 0
	c.pendingRefusedID = 0
	c.pendingRefusedBuf = nil
}

// DetectPreface 检查 in 开头是否匹配 HTTP/2 连接前言 并在匹配时消费它
//
// 返回 (matched, needMore)：needMore 为真表示数据不足以判断 调用方应当
// 等待更多数据后重试（不得消费任何字节）。
func DetectPreface(in *iobuf.InputBuffer) (matched bool, needMore bool) {
	peek, err := in.Peek(len(ConnPreface))
	if err != nil {
		// 数据不足时 仍可通过前缀判断明显不匹配的情况
		avail, peekErr := in.Peek(in.Len())
		if peekErr == nil && len(avail) > 0 && !bytes.HasPrefix(ConnPreface, avail) {
			return false, false
		}
		return false, true
	}
	if !bytes.Equal(peek, ConnPreface) {
		return false, false
	}
	_, _ = in.Read(len(ConnPreface))
	return true, false
}

// WriteInitialSettings 写出本端的 SETTINGS 帧 连接建立后只发送一次
func (c *Connection) WriteInitialSettings(out *iobuf.OutputBuffer) bool {
	if c.localSettled {
		return true
	}
	ok := WriteFrame(out, frameSettings, 0, 0, EncodeSettingsPayload(c.Local))
	if ok {
		c.localSettled = true
	}
	return ok
}

// HandleFrame 将一个已经从 wire 上读出的帧分发给对应的状态迁移逻辑
//
// out 用于写回本帧触发的控制响应（SETTINGS ack、WINDOW_UPDATE、
// RST_STREAM、GOAWAY 等），不包含业务响应（由 Respond/StartResponse 写）。
func (c *Connection) HandleFrame(f *Frame, out *iobuf.OutputBuffer) error {
	switch f.Type {
	case frameSettings:
		return c.handleSettings(f, out)
	case frameWindowUpdate:
		return c.handleWindowUpdate(f)
	case framePing:
		return c.handlePing(f, out)
	case frameGoAway:
		return nil // 对端的 GOAWAY 被忽略：连接不进入关闭流程 新的流照常接受
	case frameHeaders:
		return c.handleHeaders(f, out)
	case frameContinuation:
		return c.handleContinuation(f, out)
	case frameData:
		return c.handleData(f, out)
	case frameRSTStream:
		return c.handleRstStream(f)
	case framePriority:
		return nil // 优先级调度不在 spec 范围内 直接忽略负载
	case framePushPromise:
		return newConnError(errCodeProtocol, "server received unexpected PUSH_PROMISE on stream %d", f.StreamID)
	default:
		return nil // 未知帧类型 RFC 7540 §4.1 要求忽略而非报错
	}
}

// SettingsAcknowledged 报告对端是否已经 ack 过本端发送的初始 SETTINGS
// 供 I/O 线程的 SETTINGS_TIMEOUT 定时轮决定是否需要强制关闭连接
func (c *Connection) SettingsAcknowledged() bool {
	return c.remoteSettled
}

func (c *Connection) handleSettings(f *Frame, out *iobuf.OutputBuffer) error {
	if f.HasFlag(flagAck) {
		c.remoteSettled = true
		return nil // 对端确认了我们发送的 SETTINGS 无需处理
	}
	if err := DecodeSettingsPayload(&c.Remote, f.Payload); err != nil {
		return err
	}
	c.dec.SetMaxTableSize(c.Local.HeaderTableSize)
	c.enc.SetMaxTableSize(c.Remote.HeaderTableSize)
	if !WriteFrame(out, frameSettings, flagAck, 0, nil) {
		return newConnError(errCodeInternal, "failed to queue SETTINGS ack")
	}
	return nil
}

func (c *Connection) handleWindowUpdate(f *Frame) error {
	if len(f.Payload) != 4 {
		return newConnError(errCodeFrameSize, "malformed WINDOW_UPDATE on stream %d", f.StreamID)
	}
	inc := int32(uint32(f.Payload[0])<<24 | uint32(f.Payload[1])<<16 | uint32(f.Payload[2])<<8 | uint32(f.Payload[3]))
	inc &= maxWindowSize

	if f.StreamID == 0 {
		if int64(c.ConnSendWindow)+int64(inc) > maxWindowSize {
			return newConnError(errCodeFlowControl, "connection send window overflow")
		}
		c.ConnSendWindow += inc
		return nil
	}

	s, ok := c.streams[f.StreamID]
	if !ok {
		return nil // 流已关闭 按 RFC 7540 §6.9 忽略
	}
	if int64(s.SendWindow)+int64(inc) > maxWindowSize {
		return newStreamError(f.StreamID, errCodeFlowControl, "stream %d send window overflow", f.StreamID)
	}
	s.SendWindow += inc
	return nil
}

func (c *Connection) handlePing(f *Frame, out *iobuf.OutputBuffer) error {
	if f.HasFlag(flagAck) {
		return nil
	}
	if len(f.Payload) != 8 {
		return newConnError(errCodeFrameSize, "malformed PING frame")
	}
	if !WriteFrame(out, framePing, flagAck, 0, f.Payload) {
		return newConnError(errCodeInternal, "failed to queue PING ack")
	}
	return nil
}

func (c *Connection) handleRstStream(f *Frame) error {
	s, ok := c.streams[f.StreamID]
	if !ok {
		return nil
	}
	if !s.BodyClosed {
		close(s.Body)
		s.BodyClosed = true
	}
	s.State = StateClosed
	delete(c.streams, f.StreamID)
	return nil
}

// streamFor 返回或创建 f.StreamID 对应的 Stream 并校验奇偶性与单调性
// RFC 7540 §5.1.1：客户端发起的流 id 必须为奇数且严格递增
//
// 超过 maxConcurrentStreams 时返回的 FrameError 带有非零 StreamID
// (errCodeRefusedStream)：调用方应当只 RST_STREAM 这一个流，不得像
// 其它连接级校验失败一样 GOAWAY 整条连接 (RFC 7540 §5.1.2)。
func (c *Connection) streamFor(streamID uint32) (*Stream, error) {
	if s, ok := c.streams[streamID]; ok {
		return s, nil
	}
	if streamID%2 == 0 {
		return nil, newConnError(errCodeProtocol, "even stream id %d is not client-initiated", streamID)
	}
	if streamID <= c.lastStream {
		return nil, newConnError(errCodeProtocol, "stream id %d is not strictly increasing after %d", streamID, c.lastStream)
	}
	if uint32(len(c.streams)) >= c.Local.MaxConcurrentStreams {
		return nil, newStreamError(streamID, errCodeRefusedStream, "refused stream %d: max concurrent streams %d reached", streamID, c.Local.MaxConcurrentStreams)
	}
	s := NewStream(streamID, int32(c.Local.InitialWindowSize), int32(c.Remote.InitialWindowSize), c.bodyQueueSize)
	c.streams[streamID] = s
	c.lastStream = streamID
	return s, nil
}

// headerBlockFragment 剥离 HEADERS/CONTINUATION 帧的 padding/priority
// 包装，返回纯 header block fragment 字节
func headerBlockFragment(f *Frame) ([]byte, error) {
	payload := f.Payload
	if f.HasFlag(flagPadded) {
		if len(payload) < 1 {
			return nil, newStreamError(f.StreamID, errCodeProtocol, "malformed padded HEADERS on stream %d", f.StreamID)
		}
		padLen := int(payload[0])
		payload = payload[1:]
		if padLen > len(payload) {
			return nil, newStreamError(f.StreamID, errCodeProtocol, "invalid pad length on stream %d", f.StreamID)
		}
		payload = payload[:len(payload)-padLen]
	}
	if f.HasFlag(flagPriority) {
		if len(payload) < 5 {
			return nil, newStreamError(f.StreamID, errCodeProtocol, "malformed priority HEADERS on stream %d", f.StreamID)
		}
		payload = payload[5:]
	}
	return payload, nil
}

func (c *Connection) handleHeaders(f *Frame, out *iobuf.OutputBuffer) error {
	payload, err := headerBlockFragment(f)
	if err != nil {
		return err
	}

	s, err := c.streamFor(f.StreamID)
	if err != nil {
		if id, refused := StreamScope(err); refused {
			return c.beginRefusedHeaders(id, payload, f.HasFlag(flagEndHeaders), out)
		}
		return err
	}
	if f.HasFlag(flagPriority) {
		s.priority = true
	}

	end := f.HasFlag(flagEndHeaders)
	if !end {
		c.pendingHeaderStream = f.StreamID
	} else {
		c.pendingHeaderStream = 0
	}

	if err := s.AppendHeaderFragment(c.dec, payload, end, f.HasFlag(flagEndStream)); err != nil {
		return err
	}
	if end && c.handler != nil {
		c.handler(c, s)
	}
	return nil
}

// beginRefusedHeaders 累积一个被拒绝流的 header block fragment 供
// finishRefusedHeaders 在 END_HEADERS 到达时喂给 HPACK 解码器
func (c *Connection) beginRefusedHeaders(streamID uint32, fragment []byte, end bool, out *iobuf.OutputBuffer) error {
	c.pendingRefusedBuf = append(c.pendingRefusedBuf[:0], fragment...)
	if !end {
		c.pendingHeaderStream = streamID
		c.pendingRefusedID = streamID
		return nil
	}
	return c.finishRefusedHeaders(streamID, out)
}

// finishRefusedHeaders 解码（并丢弃）一个被拒绝流完整的 header block
// 以维持 HPACK 动态表与对端同步 随后写出 RST_STREAM(REFUSED_STREAM)
func (c *Connection) finishRefusedHeaders(streamID uint32, out *iobuf.OutputBuffer) error {
	_, err := c.dec.Decode(c.pendingRefusedBuf)
	c.pendingRefusedBuf = c.pendingRefusedBuf[:0]
	c.pendingRefusedID = 0
	if err != nil {
		var hv *headerValidationError
		if !errors.As(err, &hv) {
			// 真正的 HPACK 解码失败代表动态表状态已经不同步 必须按
			// 连接级 COMPRESSION_ERROR 处理 而不仅仅是拒绝这一个流
			return newConnError(errCodeCompression, "hpack decode on refused stream %d: %v", streamID, err)
		}
	}
	if !c.RstStream(out, streamID, errCodeRefusedStream) {
		return newConnError(errCodeInternal, "output buffer full refusing stream %d", streamID)
	}
	return nil
}

func (c *Connection) handleContinuation(f *Frame, out *iobuf.OutputBuffer) error {
	if c.pendingHeaderStream == 0 || c.pendingHeaderStream != f.StreamID {
		return newConnError(errCodeProtocol, "unexpected CONTINUATION on stream %d", f.StreamID)
	}
	end := f.HasFlag(flagEndHeaders)

	if c.pendingRefusedID == f.StreamID {
		c.pendingRefusedBuf = append(c.pendingRefusedBuf, f.Payload...)
		if !end {
			return nil
		}
		c.pendingHeaderStream = 0
		return c.finishRefusedHeaders(f.StreamID, out)
	}

	s, ok := c.streams[f.StreamID]
	if !ok {
		return newConnError(errCodeProtocol, "CONTINUATION for unknown stream %d", f.StreamID)
	}
	if end {
		c.pendingHeaderStream = 0
	}
	endStream := s.State == StateHalfClosedRemote || s.State == StateClosed
	if err := s.AppendHeaderFragment(c.dec, f.Payload, end, endStream); err != nil {
		return err
	}
	if end && c.handler != nil {
		c.handler(c, s)
	}
	return nil
}

func (c *Connection) handleData(f *Frame, out *iobuf.OutputBuffer) error {
	s, ok := c.streams[f.StreamID]
	if !ok {
		return newStreamError(f.StreamID, errCodeStreamClosed, "DATA for unknown stream %d", f.StreamID)
	}

	payload := f.Payload
	if f.HasFlag(flagPadded) {
		if len(payload) < 1 {
			return newStreamError(f.StreamID, errCodeProtocol, "malformed padded DATA on stream %d", f.StreamID)
		}
		padLen := int(payload[0])
		payload = payload[1:]
		if padLen > len(payload) {
			return newStreamError(f.StreamID, errCodeProtocol, "invalid pad length on stream %d", f.StreamID)
		}
		payload = payload[:len(payload)-padLen]
	}

	n := int32(len(f.Payload)) + 9 // 计入帧头 简化为整帧长度参与流控核销
	c.ConnRecvWindow -= n
	s.RecvWindow -= n

	if !s.PushBody(payload) {
		return newStreamError(f.StreamID, errCodeEnhanceYourCalm, "stream %d body queue overflow", f.StreamID)
	}

	// 连接级 / 流级窗口低于一半时主动补发 WINDOW_UPDATE 维持吞吐
	if c.ConnRecvWindow < int32(defaultInitialWindow)/2 {
		inc := int32(defaultInitialWindow) - c.ConnRecvWindow
		if WriteFrame(out, frameWindowUpdate, 0, 0, encodeWindowIncrement(inc)) {
			c.ConnRecvWindow += inc
		}
	}
	if s.RecvWindow < int32(c.Local.InitialWindowSize)/2 {
		inc := int32(c.Local.InitialWindowSize) - s.RecvWindow
		if WriteFrame(out, frameWindowUpdate, 0, f.StreamID, encodeWindowIncrement(inc)) {
			s.RecvWindow += inc
		}
	}

	if f.HasFlag(flagEndStream) {
		s.closeRemote()
	}
	return nil
}

func encodeWindowIncrement(inc int32) []byte {
	return []byte{byte(inc >> 24), byte(inc >> 16), byte(inc >> 8), byte(inc)}
}

// GoAway 写出 GOAWAY 帧并标记连接进入排空状态 debugData 会被截断到 128 字节
func (c *Connection) GoAway(out *iobuf.OutputBuffer, errCode uint32, debugData []byte) bool {
	if c.goAwaySent {
		return true
	}
	if len(debugData) > 128 {
		debugData = debugData[:128]
	}
	payload := make([]byte, 8+len(debugData))
	payload[0] = byte(c.lastStream >> 24 & 0x7f)
	payload[1] = byte(c.lastStream >> 16)
	payload[2] = byte(c.lastStream >> 8)
	payload[3] = byte(c.lastStream)
	payload[4] = byte(errCode >> 24)
	payload[5] = byte(errCode >> 16)
	payload[6] = byte(errCode >> 8)
	payload[7] = byte(errCode)
	copy(payload[8:], debugData)

	ok := WriteFrame(out, frameGoAway, 0, 0, payload)
	if ok {
		c.goAwaySent = true
	}
	return ok
}

// RstStream 写出 RST_STREAM 并将流标记为 closed
func (c *Connection) RstStream(out *iobuf.OutputBuffer, streamID uint32, errCode uint32) bool {
	payload := []byte{byte(errCode >> 24), byte(errCode >> 16), byte(errCode >> 8), byte(errCode)}
	if s, ok := c.streams[streamID]; ok {
		if !s.BodyClosed {
			close(s.Body)
			s.BodyClosed = true
		}
		s.State = StateClosed
		delete(c.streams, streamID)
	}
	return WriteFrame(out, frameRSTStream, 0, streamID, payload)
}

// Respond 写出一个完整的、非流式响应：HEADERS（如 body 非空则不带
// END_STREAM）+ 一个或多个按 MaxFrameSize/SendWindow 分片的 DATA 帧
func (c *Connection) Respond(out *iobuf.OutputBuffer, s *Stream, status int, headers []HeaderField, body []byte) error {
	h := NewHeaders()
	h.Add(headerStatus, statusText(status))
	for _, f := range headers {
		h.Add(f.Name, f.Value)
	}

	block := c.enc.Encode(nil, h)
	endStream := len(body) == 0
	flags := flagEndHeaders
	if endStream {
		flags |= flagEndStream
	}
	if !WriteFrame(out, frameHeaders, flags, s.ID, block) {
		return newError("output buffer full writing HEADERS for stream %d", s.ID)
	}
	s.respWritten = true

	if endStream {
		s.CloseLocal()
		return nil
	}
	return c.writeData(out, s, body, true)
}

// StartResponse 仅写出响应头 返回值用于后续流式写 body（spec.md §9
// 选定的 startResponse(status, headers) -> OutputStream API 形状）
func (c *Connection) StartResponse(out *iobuf.OutputBuffer, s *Stream, status int, headers []HeaderField) (*ResponseStream, error) {
	h := NewHeaders()
	h.Add(headerStatus, statusText(status))
	for _, f := range headers {
		h.Add(f.Name, f.Value)
	}
	block := c.enc.Encode(nil, h)
	if !WriteFrame(out, frameHeaders, flagEndHeaders, s.ID, block) {
		return nil, newError("output buffer full writing HEADERS for stream %d", s.ID)
	}
	s.respWritten = true
	return &ResponseStream{conn: c, stream: s}, nil
}

// writeData 把 p 按 MaxFrameSize 和 SendWindow 切片写出 last 为真时携带 END_STREAM
func (c *Connection) writeData(out *iobuf.OutputBuffer, s *Stream, p []byte, last bool) error {
	maxFrame := int(c.Remote.MaxFrameSize)
	for len(p) > 0 {
		n := len(p)
		if n > maxFrame {
			n = maxFrame
		}
		if n > int(s.SendWindow) {
			n = int(s.SendWindow)
		}
		if n > int(c.ConnSendWindow) {
			n = int(c.ConnSendWindow)
		}
		if n <= 0 {
			return newError("stream %d blocked on flow control window", s.ID)
		}

		flags := uint8(0)
		if last && n == len(p) {
			flags = flagEndStream
		}
		if !WriteFrame(out, frameData, flags, s.ID, p[:n]) {
			return newError("output buffer full writing DATA for stream %d", s.ID)
		}
		s.SendWindow -= int32(n)
		c.ConnSendWindow -= int32(n)
		p = p[n:]
	}
	if last {
		s.CloseLocal()
	}
	return nil
}

// ResponseStream 是 StartResponse 返回的流式写句柄
type ResponseStream struct {
	conn   *Connection
	stream *Stream
}

// Write 写出一段 body 数据 不标记结束
func (rs *ResponseStream) Write(out *iobuf.OutputBuffer, p []byte) error {
	return rs.conn.writeData(out, rs.stream, p, false)
}

// Close 写出末尾的空 DATA 帧 标记 END_STREAM
func (rs *ResponseStream) Close(out *iobuf.OutputBuffer) error {
	if !WriteFrame(out, frameData, flagEndStream, rs.stream.ID, nil) {
		return newError("output buffer full closing stream %d", rs.stream.ID)
	}
	rs.stream.CloseLocal()
	return nil
}

func statusText(code int) string {
	return strconv.Itoa(code)
}
