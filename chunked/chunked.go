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

// Package chunked 实现了 RFC 7230 §4.1 描述的 chunked transfer coding
//
// 解析逻辑沿用了 protocol/phttp 原先用于被动抓包解析的 16 进制块长度探测
// 思路（parseHexUint、chunk-ext 剥离、末块 "0\r\n\r\n" 识别），但这里重写
// 成一个可重入的 Decoder：每次 Decode 调用都以 iobuf.InputBuffer 的
// Mark/ResetToMark 为 checkpoint，数据不足时回退而不是重置整个状态机，
// 因为服务端场景下 body 可能横跨多次 socket 读事件。
package chunked

import (
	"github.com/pkg/errors"

	"github.com/packetd/httpcore/iobuf"
)

func newError(format string, args ...any) error {
	return errors.Errorf("chunked: "+format, args...)
}

// ErrChunkTooLarge 表示单个 chunk-size 超过了协议允许的最大位数
var ErrChunkTooLarge = newError("chunk length too large")

type phase uint8

const (
	phaseSize phase = iota
	phaseSizeCRLF
	phaseData
	phaseDataCRLF
	phaseTrailer
	phaseDone
)

// Decoder 是一个可重入的 chunked body 解码器
type Decoder struct {
	ph       phase
	remain   int // 当前 chunk 剩余未读字节数
	sizeLine []byte
}

// NewDecoder 创建并返回 Decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Reset 将 Decoder 复位 供连接/流复用时调用
func (d *Decoder) Reset() {
	d.ph = phaseSize
	d.remain = 0
	d.sizeLine = nil
}

// Done 返回是否已经读到末块（含 trailer 结束）
func (d *Decoder) Done() bool {
	return d.ph == phaseDone
}

// Decode 从 in 中尽量多地解出 body 数据并追加到 dst
//
// 数据不足时返回 iobuf.ErrNeedMore 调用方应当保留 dst 已经解出的部分
// 等待更多数据到达后重新调用。Decode 内部在每个阶段推进前都会 Mark，
// 一旦某个阶段因为数据不足而失败，ResetToMark 保证不会丢失已经正确
// 消费的前一阶段数据。
func (d *Decoder) Decode(in *iobuf.InputBuffer, dst []byte) ([]byte, error) {
	for {
		switch d.ph {
		case phaseDone:
			return dst, nil

		case phaseSize:
			in.Mark()
			idx := in.IndexByte('\n')
			if idx < 0 {
				in.ResetToMark()
				return dst, iobuf.ErrNeedMore
			}
			line, err := in.Read(idx + 1)
			if err != nil {
				in.ResetToMark()
				return dst, iobuf.ErrNeedMore
			}
			size, err := parseChunkSizeLine(line)
			if err != nil {
				return dst, err
			}
			d.remain = size
			if size == 0 {
				d.ph = phaseTrailer
			} else {
				d.ph = phaseData
			}

		case phaseData:
			if d.remain == 0 {
				d.ph = phaseDataCRLF
				continue
			}
			n := d.remain
			if avail := in.Len(); avail < n {
				if avail == 0 {
					return dst, iobuf.ErrNeedMore
				}
				n = avail
			}
			b, err := in.Read(n)
			if err != nil {
				return dst, iobuf.ErrNeedMore
			}
			dst = append(dst, b...)
			d.remain -= len(b)
			if d.remain > 0 {
				return dst, iobuf.ErrNeedMore
			}
			d.ph = phaseDataCRLF

		case phaseDataCRLF:
			in.Mark()
			if _, err := in.Read(2); err != nil {
				in.ResetToMark()
				return dst, iobuf.ErrNeedMore
			}
			d.ph = phaseSize

		case phaseTrailer:
			in.Mark()
			idx := in.IndexByte('\n')
			if idx < 0 {
				in.ResetToMark()
				return dst, iobuf.ErrNeedMore
			}
			line, err := in.Read(idx + 1)
			if err != nil {
				in.ResetToMark()
				return dst, iobuf.ErrNeedMore
			}
			// 空行（仅 CRLF）代表 trailer-section 结束
			if len(line) <= 2 {
				d.ph = phaseDone
				return dst, nil
			}
			// 否则是一个 trailer header 行 直接丢弃（spec.md 明确排除 trailers）
		}
	}
}

// parseChunkSizeLine 解析 "<hex>[;ext]\r\n" 形式的 chunk-size 行
func parseChunkSizeLine(line []byte) (int, error) {
	// 去除行尾 CRLF 或 LF
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	// 剥离 chunk-ext（分号之后的部分）
	for i, c := range line {
		if c == ';' {
			line = line[:i]
			break
		}
	}
	n, err := parseHexUint(line)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// parseHexUint 将 16 进制字节解析为 uint64 见 protocol/phttp.decoder 同名函数
func parseHexUint(v []byte) (uint64, error) {
	if len(v) == 0 {
		return 0, newError("empty hex number for chunk length")
	}

	var n uint64
	for i, b := range v {
		switch {
		case '0' <= b && b <= '9':
			b = b - '0'
		case 'a' <= b && b <= 'f':
			b = b - 'a' + 10
		case 'A' <= b && b <= 'F':
			b = b - 'A' + 10
		default:
			return 0, newError("invalid byte %q in chunk length", b)
		}
		if i == 16 {
			return 0, ErrChunkTooLarge
		}
		n <<= 4
		n |= uint64(b)
	}
	return n, nil
}

// Encoder 将任意长度的数据编码为 chunked 序列 写入 iobuf.OutputBuffer
type Encoder struct{}

// NewEncoder 创建并返回 Encoder
func NewEncoder() *Encoder { return &Encoder{} }

// WriteChunk 写入一个非空 chunk 空 p 会被忽略（使用 WriteFinalChunk 结束流）
func (e *Encoder) WriteChunk(out *iobuf.OutputBuffer, p []byte) bool {
	if len(p) == 0 {
		return true
	}
	header := []byte(formatHexSize(len(p)))
	if !out.Write(header) {
		return false
	}
	if !out.Write(crlf) {
		return false
	}
	if !out.Write(p) {
		return false
	}
	return out.Write(crlf)
}

// WriteFinalChunk 写入末块 标识 body 结束 (0\r\n\r\n)
func (e *Encoder) WriteFinalChunk(out *iobuf.OutputBuffer) bool {
	return out.Write(finalChunk)
}

var (
	crlf       = []byte("\r\n")
	finalChunk = []byte("0\r\n\r\n")
	hexDigits  = "0123456789abcdef"
)

func formatHexSize(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = hexDigits[n&0xf]
		n >>= 4
	}
	return string(buf[i:])
}
