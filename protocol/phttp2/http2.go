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

// Package phttp2 实现了 RFC 7540 定义的 HTTP/2 连接与流状态机
//
// 帧类型、标志位与伪头部常量取自本仓库最初用于被动抓包解析的版本（同一份
// RFC 表格），但这里的 Connection/Stream 不再是从 pcap 数据包里 decode 出
// 只读的 Request/Response 对象，而是驱动一个真正的服务端：从
// iobuf.InputBuffer 读帧、维护流状态、并把响应写回 iobuf.OutputBuffer。
// Connection/Stream 状态机的整体结构（帧分发、流水线化的 HEADERS 续传、
// 基于发送窗口的 DATA 分片）参照 dgrr/http2 的 serverConn 实现。
package phttp2

import "github.com/pkg/errors"

func newError(format string, args ...any) error {
	return errors.Errorf("phttp2: "+format, args...)
}

// PROTO ALPN/Upgrade 协商标识
const PROTO = "h2"

// ConnPreface 是 HTTP/2 明文连接前言 RFC 7540 §3.5
var ConnPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// 伪头部字段名
const (
	headerMethod    = ":method"
	headerScheme    = ":scheme"
	headerPath      = ":path"
	headerAuthority = ":authority"
	headerStatus    = ":status"
)

// 帧类型 RFC 7540 §6
const (
	frameData         uint8 = 0x0
	frameHeaders      uint8 = 0x1
	framePriority     uint8 = 0x2
	frameRSTStream    uint8 = 0x3
	frameSettings     uint8 = 0x4
	framePushPromise  uint8 = 0x5
	framePing         uint8 = 0x6
	frameGoAway       uint8 = 0x7
	frameWindowUpdate uint8 = 0x8
	frameContinuation uint8 = 0x9
)

// 帧标志位
const (
	flagEndStream  uint8 = 0x1
	flagAck        uint8 = 0x1 // SETTINGS/PING 复用同一位
	flagEndHeaders uint8 = 0x4
	flagPadded     uint8 = 0x8
	flagPriority   uint8 = 0x20
)

// frameHeaderLen 帧头固定长度 RFC 7540 §4.1
const frameHeaderLen = 9

// FrameTypeName 把帧类型字节映射成小写名字，供调用方打点使用
func FrameTypeName(t uint8) string {
	switch t {
	case frameData:
		return "data"
	case frameHeaders:
		return "headers"
	case framePriority:
		return "priority"
	case frameRSTStream:
		return "rst_stream"
	case frameSettings:
		return "settings"
	case framePushPromise:
		return "push_promise"
	case framePing:
		return "ping"
	case frameGoAway:
		return "goaway"
	case frameWindowUpdate:
		return "window_update"
	case frameContinuation:
		return "continuation"
	default:
		return "unknown"
	}
}

// 错误码 RFC 7540 §7
const (
	errCodeNo                 uint32 = 0x0
	errCodeProtocol           uint32 = 0x1
	errCodeInternal           uint32 = 0x2
	errCodeFlowControl        uint32 = 0x3
	errCodeSettingsTimeout    uint32 = 0x4
	errCodeStreamClosed       uint32 = 0x5
	errCodeFrameSize          uint32 = 0x6
	errCodeRefusedStream      uint32 = 0x7
	errCodeCancel             uint32 = 0x8
	errCodeCompression        uint32 = 0x9
	errCodeConnect            uint32 = 0xa
	errCodeEnhanceYourCalm    uint32 = 0xb
	errCodeInadequateSecurity uint32 = 0xc
	errCodeHTTP11Required     uint32 = 0xd
)

// 导出的错误码别名，供 ioloop 在 GOAWAY/RST_STREAM 之外的场景引用
// (目前只有 SETTINGS_TIMEOUT 需要从连接定时轮直接触发)
const (
	ErrCodeSettingsTimeout = errCodeSettingsTimeout
)

// FrameError 是一个携带 RFC 7540 §7 错误码与作用域的帧处理错误
//
// StreamID 非零代表错误只影响该流：调用方应当 RST_STREAM 该流并让连接
// 继续存活；StreamID 为零代表连接级错误，调用方应当 GOAWAY 整条连接。
// HandleFrame 沿途每个可能出错的分支都通过 newConnError/newStreamError
// 构造返回值，取代了此前到了 ioloop 一律被当作 PROTOCOL_ERROR 处理、
// 一律 GOAWAY 的粗粒度错误路径。
type FrameError struct {
	Code     uint32
	StreamID uint32
	err      error
}

func (e *FrameError) Error() string { return e.err.Error() }
func (e *FrameError) Unwrap() error { return e.err }

func newConnError(code uint32, format string, args ...any) error {
	return &FrameError{Code: code, err: newError(format, args...)}
}

func newStreamError(streamID uint32, code uint32, format string, args ...any) error {
	return &FrameError{Code: code, StreamID: streamID, err: newError(format, args...)}
}

// ErrorCode 返回 err 对应的 RFC 7540 §7 错误码 非 *FrameError 的普通
// 错误一律按 PROTOCOL_ERROR 处理 (例如帧读取阶段 io 错误)
func ErrorCode(err error) uint32 {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return errCodeProtocol
}

// StreamScope 在 err 只影响单个流时返回该流 id 与 true 连接级错误
// 返回 (0, false)
func StreamScope(err error) (uint32, bool) {
	var fe *FrameError
	if errors.As(err, &fe) && fe.StreamID != 0 {
		return fe.StreamID, true
	}
	return 0, false
}

// SETTINGS 参数标识 RFC 7540 §6.5.2
const (
	settingsHeaderTableSize      uint16 = 0x1
	settingsEnablePush           uint16 = 0x2
	settingsMaxConcurrentStreams uint16 = 0x3
	settingsInitialWindowSize    uint16 = 0x4
	settingsMaxFrameSize         uint16 = 0x5
	settingsMaxHeaderListSize    uint16 = 0x6
)

// 协议定义的默认值 RFC 7540 §6.5.2 / §6.9.2
const (
	defaultHeaderTableSize   = 4096
	defaultMaxFrameSize      = 1 << 14 // 16384
	maxAllowedFrameSize      = (1 << 24) - 1
	defaultInitialWindow     = 65535
	maxWindowSize            = (1 << 31) - 1
	defaultMaxConcurrentStrm = 100
)
