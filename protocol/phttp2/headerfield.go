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
	"strings"

	fasthttp2 "github.com/dgrr/http2"
)

// headerValidationError 标记 RFC 7540 §8.1.2 header 装配相关的校验失败
// (伪头部顺序/重复、非法大写字段名、缺失的必需伪头部)，区别于底层
// HPACK 解码本身失败（后者代表动态表状态已经不同步，必须按连接级
// COMPRESSION_ERROR 处理；前者是单个请求的格式错误，按流级
// PROTOCOL_ERROR 处理即可，参照 RFC 7540 §8.1.2.6）。
type headerValidationError struct{ msg string }

func (e *headerValidationError) Error() string { return e.msg }

func newHeaderValidationError(format string, args ...any) error {
	return &headerValidationError{msg: newError(format, args...).Error()}
}

func hasUpper(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			return true
		}
	}
	return false
}

// HeaderField 是单个 HTTP/2 header 键值对
type HeaderField struct {
	Name  string
	Value string
}

var pseudoHeaders = map[string]struct{}{
	headerMethod:    {},
	headerScheme:    {},
	headerPath:      {},
	headerAuthority: {},
	headerStatus:    {},
}

// Headers 保存一个 HEADERS（可能跨多个 CONTINUATION 拼接）解码后的有序字段
//
// 与原先按 map 存放的 HeaderFields 不同 这里保留插入顺序：RFC 7540 §8.1.2.1
// 要求伪头部必须出现在常规字段之前 响应编码时需要原样保序写回。
type Headers struct {
	fields []HeaderField
}

// NewHeaders 创建并返回空的 Headers
func NewHeaders() *Headers {
	return &Headers{}
}

// Add 追加一个字段 不去重（HTTP 允许同名多值）
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Get 返回 name 对应的第一个值
func (h *Headers) Get(name string) (string, bool) {
	for _, f := range h.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Fields 返回全部字段 含伪头部 按插入顺序
func (h *Headers) Fields() []HeaderField {
	return h.fields
}

// Regular 返回剔除伪头部之后的常规字段 按插入顺序
func (h *Headers) Regular() []HeaderField {
	out := make([]HeaderField, 0, len(h.fields))
	for _, f := range h.fields {
		if _, ok := pseudoHeaders[f.Name]; ok {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (h *Headers) Method() string    { v, _ := h.Get(headerMethod); return v }
func (h *Headers) Scheme() string    { v, _ := h.Get(headerScheme); return v }
func (h *Headers) Path() string      { v, _ := h.Get(headerPath); return v }
func (h *Headers) Authority() string { v, _ := h.Get(headerAuthority); return v }
func (h *Headers) Status() string    { v, _ := h.Get(headerStatus); return v }

// Reset 清空字段 供对象池复用
func (h *Headers) Reset() {
	h.fields = h.fields[:0]
}

// HeaderDecoder 包装 dgrr/http2 导出的 HPACK 类型 承担解码方向的状态
//
// 每条连接持有一个 HeaderDecoder（与对端共享的动态表），在 HEADERS /
// CONTINUATION / PUSH_PROMISE 帧之间复用，沿用了原先
// phttp2.HeaderFieldDecoder 直接复用 fasthttp2.AcquireHPACK 的做法。
type HeaderDecoder struct {
	hp *fasthttp2.HPACK
}

// NewHeaderDecoder 构建并返回 HeaderDecoder 需在连接关闭时调用 Release
func NewHeaderDecoder() *HeaderDecoder {
	return &HeaderDecoder{hp: fasthttp2.AcquireHPACK()}
}

// SetMaxTableSize 根据本端 SETTINGS_HEADER_TABLE_SIZE 调整动态表容量
func (d *HeaderDecoder) SetMaxTableSize(n uint32) {
	d.hp.SetMaxTableSize(n)
}

// Decode 解码一段完整的 header block fragment 拼接结果
//
// 除了 HPACK 解码本身，还校验 RFC 7540 §8.1.2 的 header 装配顺序：伪头部
// 必须先于常规字段、不得重复，常规字段名不得包含大写字母；解码完成后
// 校验 :method/:scheme/:path/:authority 四个必需伪头部是否齐全
// (CONNECT 请求只要求 :authority，RFC 7540 §8.3)。
func (d *HeaderDecoder) Decode(b []byte) (*Headers, error) {
	headers := NewHeaders()
	field := &fasthttp2.HeaderField{}
	seenPseudo := make(map[string]struct{})
	sawRegular := false

	for len(b) > 0 {
		field.Reset()
		var err error
		b, err = d.hp.Next(field, b)
		if err != nil {
			return nil, newError("hpack decode: %v", err)
		}
		key := field.Key()
		if key == "" {
			continue
		}

		if strings.HasPrefix(key, ":") {
			if sawRegular {
				return nil, newHeaderValidationError("pseudo-header %q appears after regular headers", key)
			}
			if _, dup := seenPseudo[key]; dup {
				return nil, newHeaderValidationError("duplicate pseudo-header %q", key)
			}
			seenPseudo[key] = struct{}{}
		} else {
			if hasUpper(key) {
				return nil, newHeaderValidationError("header name %q contains uppercase characters", key)
			}
			sawRegular = true
		}
		headers.Add(key, field.Value())
	}

	if err := validateRequiredPseudoHeaders(headers, seenPseudo); err != nil {
		return nil, err
	}
	return headers, nil
}

// validateRequiredPseudoHeaders 校验 RFC 7540 §8.1.2.3/§8.3 要求的必需
// 伪头部是否齐全
func validateRequiredPseudoHeaders(h *Headers, seen map[string]struct{}) error {
	if h.Method() == "CONNECT" {
		if _, ok := seen[headerAuthority]; !ok {
			return newHeaderValidationError("CONNECT request missing required pseudo-header %q", headerAuthority)
		}
		return nil
	}
	for _, name := range [...]string{headerMethod, headerScheme, headerPath, headerAuthority} {
		if _, ok := seen[name]; !ok {
			return newHeaderValidationError("request missing required pseudo-header %q", name)
		}
	}
	return nil
}

// Release 释放底层 HPACK 资源
func (d *HeaderDecoder) Release() {
	d.hp.Reset()
	fasthttp2.ReleaseHPACK(d.hp)
}

// HeaderEncoder 包装 fasthttp2.HPACK 承担编码方向（响应头压缩）的状态
type HeaderEncoder struct {
	hp *fasthttp2.HPACK
}

// NewHeaderEncoder 构建并返回 HeaderEncoder 需在连接关闭时调用 Release
func NewHeaderEncoder() *HeaderEncoder {
	return &HeaderEncoder{hp: fasthttp2.AcquireHPACK()}
}

// SetMaxTableSize 根据对端 SETTINGS_HEADER_TABLE_SIZE 调整动态表容量
func (e *HeaderEncoder) SetMaxTableSize(n uint32) {
	e.hp.SetMaxTableSize(n)
}

// Encode 将 h 的全部字段（含伪头部，调用方需保证伪头部已按序置于前部）
// 追加编码到 dst 并返回新的切片
func (e *HeaderEncoder) Encode(dst []byte, h *Headers) []byte {
	field := &fasthttp2.HeaderField{}
	for _, f := range h.fields {
		field.Reset()
		field.SetKey(f.Name)
		field.SetValue(f.Value)
		dst = e.hp.AppendHeader(dst, field, false)
	}
	return dst
}

// Release 释放底层 HPACK 资源
func (e *HeaderEncoder) Release() {
	e.hp.Reset()
	fasthttp2.ReleaseHPACK(e.hp)
}
