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
	"github.com/packetd/httpcore/iobuf"
)

// headerMask 用于剥离 Stream Identifier 中保留的最高位 RFC 7540 §4.1
const headerMask = 0x7fffffff

// Frame 代表一个已经读出 payload 的 HTTP/2 帧
//
// 字段布局对应 decodeHeader 曾经解析的 9 字节帧头 加上完整 Payload
//
//	+-----------------------------------------------+
//	|                 Length (24)                   |
//	+---------------+---------------+---------------+
//	|   Type (8)    |   Flags (8)   |
//	+-+-------------+---------------+-------------------------------+
//	|R|                 Stream Identifier (31)                      |
//	+-+-------------------------------------------------------------+
//	|                   Frame Payload (0...)                      ...
//	+---------------------------------------------------------------+
type Frame struct {
	Length   uint32
	Type     uint8
	Flags    uint8
	StreamID uint32
	Payload  []byte
}

func (f *Frame) HasFlag(flag uint8) bool {
	return f.Flags&flag != 0
}

// ReadFrame 尝试从 in 中解析出一个完整帧
//
// 采用 Mark/ResetToMark 实现可重入：数据不足时回退读游标并返回
// iobuf.ErrNeedMore，调用方在下一次可读事件到来后重新调用即可，不需要
// 额外保存部分帧状态。
func ReadFrame(in *iobuf.InputBuffer, maxFrameSize uint32) (*Frame, error) {
	in.Mark()

	length, err := in.Read24BitInteger()
	if err != nil {
		in.ResetToMark()
		return nil, iobuf.ErrNeedMore
	}
	if length > maxAllowedFrameSize || length > maxFrameSize {
		return nil, newConnError(errCodeFrameSize, "frame length %d exceeds max frame size %d", length, maxFrameSize)
	}

	typ, err := in.ReadByte()
	if err != nil {
		in.ResetToMark()
		return nil, iobuf.ErrNeedMore
	}
	flags, err := in.ReadByte()
	if err != nil {
		in.ResetToMark()
		return nil, iobuf.ErrNeedMore
	}
	rawStreamID, err := in.Read32BitInteger()
	if err != nil {
		in.ResetToMark()
		return nil, iobuf.ErrNeedMore
	}

	payload, err := in.Read(int(length))
	if err != nil {
		in.ResetToMark()
		return nil, iobuf.ErrNeedMore
	}

	// 消费成功后丢弃 mark 之前的数据
	in.Discard()

	cloned := make([]byte, len(payload))
	copy(cloned, payload)

	return &Frame{
		Length:   length,
		Type:     typ,
		Flags:    flags,
		StreamID: rawStreamID & headerMask,
		Payload:  cloned,
	}, nil
}

// WriteFrame 将帧序列化写入 out 写入失败（空间不足）返回 false
func WriteFrame(out *iobuf.OutputBuffer, typ, flags uint8, streamID uint32, payload []byte) bool {
	var hdr [frameHeaderLen]byte
	n := len(payload)
	hdr[0] = byte(n >> 16)
	hdr[1] = byte(n >> 8)
	hdr[2] = byte(n)
	hdr[3] = typ
	hdr[4] = flags
	hdr[5] = byte(streamID >> 24 & 0x7f)
	hdr[6] = byte(streamID >> 16)
	hdr[7] = byte(streamID >> 8)
	hdr[8] = byte(streamID)

	if !out.Write(hdr[:]) {
		return false
	}
	if len(payload) == 0 {
		return true
	}
	return out.Write(payload)
}
