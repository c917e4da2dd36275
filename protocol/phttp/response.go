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

package phttp

import (
	"net/http"
	"strconv"

	"github.com/packetd/httpcore/chunked"
	"github.com/packetd/httpcore/iobuf"
)

// Header 是一个有序的响应首部键值对 保序写出（net/http.Header 是
// map，迭代顺序不确定，响应路径需要稳定顺序以便测试断言与日志一致）
type Header struct {
	Name  string
	Value string
}

// Respond 写出一个完整的、带 Content-Length 的响应
func Respond(out *iobuf.OutputBuffer, status int, headers []Header, body []byte, keepAlive bool) bool {
	if !out.Write(statusLine(status)) {
		return false
	}
	for _, h := range headers {
		if !writeHeaderLine(out, h.Name, h.Value) {
			return false
		}
	}
	if !writeHeaderLine(out, "Content-Length", strconv.Itoa(len(body))) {
		return false
	}
	if !writeConnectionHeader(out, keepAlive) {
		return false
	}
	if !out.Write(crlf) {
		return false
	}
	if len(body) == 0 {
		return true
	}
	return out.Write(body)
}

// ResponseStream 是 StartResponse 返回的流式写句柄：响应头已经写出，
// 调用方通过 Write 持续追加 chunked body，Close 写出末块
type ResponseStream struct {
	enc *chunked.Encoder
}

// StartResponse 写出响应头（不含 Content-Length，使用 chunked 编码）
// 对应 spec.md §9 选定的 startResponse(status, headers) -> OutputStream API
func StartResponse(out *iobuf.OutputBuffer, status int, headers []Header, keepAlive bool) (*ResponseStream, bool) {
	if !out.Write(statusLine(status)) {
		return nil, false
	}
	for _, h := range headers {
		if !writeHeaderLine(out, h.Name, h.Value) {
			return nil, false
		}
	}
	if !writeHeaderLine(out, "Transfer-Encoding", "chunked") {
		return nil, false
	}
	if !writeConnectionHeader(out, keepAlive) {
		return nil, false
	}
	if !out.Write(crlf) {
		return nil, false
	}
	return &ResponseStream{enc: chunked.NewEncoder()}, true
}

// Write 写出一个 chunk
func (rs *ResponseStream) Write(out *iobuf.OutputBuffer, p []byte) bool {
	return rs.enc.WriteChunk(out, p)
}

// Close 写出末块 标志 body 结束
func (rs *ResponseStream) Close(out *iobuf.OutputBuffer) bool {
	return rs.enc.WriteFinalChunk(out)
}

var crlf = []byte("\r\n")

func statusLine(status int) []byte {
	return append([]byte("HTTP/1.1 "+strconv.Itoa(status)+" "+http.StatusText(status)), crlf...)
}

func writeHeaderLine(out *iobuf.OutputBuffer, name, value string) bool {
	if !out.Write([]byte(name)) {
		return false
	}
	if !out.Write(colonSpace) {
		return false
	}
	if !out.Write([]byte(value)) {
		return false
	}
	return out.Write(crlf)
}

func writeConnectionHeader(out *iobuf.OutputBuffer, keepAlive bool) bool {
	if keepAlive {
		return writeHeaderLine(out, "Connection", "keep-alive")
	}
	return writeHeaderLine(out, "Connection", "close")
}

var colonSpace = []byte(": ")

// 以下是预构建的、不携带动态内容的错误响应模板（spec.md §10 要求的
// "I/O 线程上合成 400/414/500 时不得分配" 优化）：连接状态机在解析阶段
// 失败时直接整体写出，不走 Respond 的逐段拼接路径。

var (
	resp400BadRequest     = buildStaticError(http.StatusBadRequest, "Bad Request")
	resp408RequestTimeout = buildStaticError(http.StatusRequestTimeout, "Request Timeout")
	resp414URITooLong     = buildStaticError(http.StatusRequestURITooLong, "Request-URI Too Long")
	resp431HeaderTooLarge = buildStaticError(http.StatusRequestHeaderFieldsTooLarge, "Request Header Fields Too Large")
	resp500ServerError    = buildStaticError(http.StatusInternalServerError, "Internal Server Error")
)

func buildStaticError(status int, body string) []byte {
	b := statusLine(status)
	b = append(b, []byte("Content-Length: "+strconv.Itoa(len(body))+"\r\n")...)
	b = append(b, []byte("Connection: close\r\n\r\n")...)
	b = append(b, []byte(body)...)
	return b
}

// WriteBadRequest 写出预构建的 400 响应
func WriteBadRequest(out *iobuf.OutputBuffer) bool { return out.Write(resp400BadRequest) }

// WriteRequestTimeout 写出预构建的 408 响应
func WriteRequestTimeout(out *iobuf.OutputBuffer) bool { return out.Write(resp408RequestTimeout) }

// WriteURITooLong 写出预构建的 414 响应
func WriteURITooLong(out *iobuf.OutputBuffer) bool { return out.Write(resp414URITooLong) }

// WriteHeaderTooLarge 写出预构建的 431 响应
func WriteHeaderTooLarge(out *iobuf.OutputBuffer) bool { return out.Write(resp431HeaderTooLarge) }

// WriteInternalServerError 写出预构建的 500 响应
func WriteInternalServerError(out *iobuf.OutputBuffer) bool { return out.Write(resp500ServerError) }
