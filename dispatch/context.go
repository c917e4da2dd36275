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

package dispatch

import (
	"io"
	"net/http"
)

// ResponseWriter 由协议适配层（h1/h2）实现 worker goroutine 通过它把
// 响应数据交回对应连接；具体写出时机与 flush 策略由适配层决定，
// dispatch 本身不直接碰 iobuf.OutputBuffer 或 socket。
type ResponseWriter interface {
	// WriteHeader 写出状态码与首部 必须在 Write 之前调用一次
	WriteHeader(status int, headers map[string]string)

	// Write 追加一段响应体
	Write(p []byte) (int, error)

	// Close 标志响应结束
	Close() error
}

// Context 携带一次请求调度所需的全部信息 由 worker goroutine 上的
// Handler 消费，Handler 返回后 dispatch 调用 Done 把完成信号交还给
// I/O 线程，以便它继续 flush 输出缓冲区或关闭连接。
type Context struct {
	Method string
	Path   string
	Proto  string
	Header http.Header

	// Body 对 HTTP/2 请求是一个阻塞读取的流：worker goroutine 在
	// END_HEADERS 到达的瞬间就已经被调度，DATA 帧可能还没到达，Read
	// 会在队列暂时为空时阻塞等待，而不是提前整段读好。HTTP/1.1 请求的
	// body 在 Feed 阶段已经整段解析完毕，这里只是包一层 io.Reader。
	Body   io.Reader
	Params map[string]string

	Writer ResponseWriter

	// Done 在 Handler 执行完毕（含 panic 被 recover）后调用一次
	Done func()
}

func (c *Context) finish() {
	if c.Done != nil {
		c.Done()
	}
}
