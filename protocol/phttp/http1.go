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

// Package phttp 实现了一个读取 HTTP/1.1 请求的连接状态机
//
// 状态划分（stateHeader/stateBody/stateDone）与行级扫描方式直接
// 沿用本仓库最初用于被动抓包解析的版本：用 internal/splitio 逐行扫描、
// 用 net/http.ReadRequest 解析累积好的首部字节。区别在于原版本是从
// zerocopy.Reader 消费一段已经到达的数据后即返回（容忍丢包自愈），这里
// 改为对 iobuf.InputBuffer 的 Mark/ResetToMark 做真正的可重入解析：数据
// 不完整时回退读游标，等待 Selector 下一次可读事件后继续，而不是依赖
// "重置整条连接再探测協议" 的被动策略。
package phttp

import (
	"bufio"
	"bytes"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/packetd/httpcore/chunked"
	"github.com/packetd/httpcore/internal/splitio"
	"github.com/packetd/httpcore/iobuf"
)

func newError(format string, args ...any) error {
	return errors.Errorf("phttp: "+format, args...)
}

// ErrURITooLong 请求行超过配置的最大长度 调用方应当回写 414
var ErrURITooLong = newError("request line exceeds configured limit")

// ErrHeaderTooLarge 首部字节总数超过配置的最大长度 调用方应当回写 431
var ErrHeaderTooLarge = newError("headers exceed configured limit")

type state uint8

const (
	stateHeader state = iota
	stateBody
	stateDone
)

// Request 是解析完成的一个 HTTP/1.1 请求
type Request struct {
	Method        string
	Path          string
	Proto         string
	Header        http.Header
	ContentLength int64
	Chunked       bool
	KeepAlive     bool
	Upgrade       string // 非空代表 Connection: Upgrade, Upgrade: <value>
	Body          []byte
}

// Conn 是单条 HTTP/1.1 连接上的请求解析状态机
//
// 一条 HTTP/1.1 连接任意时刻只处理一个请求（不支持管线化并发解析，管线化
// 请求按到达顺序排队，由上层 dispatch 串行喂给同一个 Conn），因此不需要
// RingBuffer 意义上的多路复用，只需要在 keep-alive 复用时 Reset。
type Conn struct {
	st         state
	headerBuf  bytes.Buffer
	maxHeader  int
	bodyDec    *chunked.Decoder
	expectedN  int64
	drainedN   int64
	req        *Request
	bodyChunks []byte

	// reqLineDone 标记请求行（首部第一行）是否已经成功读取完毕，用来
	// 区分 414 (URI Too Long) 与 431 (Header Too Large)：溢出发生在
	// 请求行本身时是前者，发生在后续首部行时是后者。
	reqLineDone bool
}

// NewConn 创建一个新的 HTTP/1.1 连接状态机 maxHeaderBytes 是请求行+首部
// 总字节数上限，来自 ioloop.Config.MaxHeaderBytes（cmd 中取 inputBufferSize）
func NewConn(maxHeaderBytes int) *Conn {
	return &Conn{maxHeader: maxHeaderBytes}
}

// Reset 复位状态机 供 keep-alive 复用同一连接解析下一个请求
func (c *Conn) Reset() {
	c.st = stateHeader
	c.headerBuf.Reset()
	c.bodyDec = nil
	c.expectedN = 0
	c.drainedN = 0
	c.req = nil
	c.bodyChunks = nil
	c.reqLineDone = false
}

// Feed 尝试从 in 中解析出一个完整请求
//
// 返回 (nil, iobuf.ErrNeedMore) 代表数据不足 调用方应当在下次可读事件
// 触发后重新调用；此时 in 的读游标已经回退，不会丢失任何字节。
func (c *Conn) Feed(in *iobuf.InputBuffer) (*Request, error) {
	for {
		switch c.st {
		case stateDone:
			return nil, newError("Feed called after request already completed, call Reset first")

		case stateHeader:
			in.Mark()
			idx := in.IndexByte('\n')
			if idx < 0 {
				in.ResetToMark()
				if in.Len() > c.maxHeader {
					if !c.reqLineDone {
						return nil, ErrURITooLong
					}
					return nil, ErrHeaderTooLarge
				}
				return nil, iobuf.ErrNeedMore
			}
			line, err := in.Read(idx + 1)
			if err != nil {
				in.ResetToMark()
				return nil, iobuf.ErrNeedMore
			}
			wasReqLine := !c.reqLineDone
			c.headerBuf.Write(line)
			if c.headerBuf.Len() > c.maxHeader {
				if wasReqLine {
					return nil, ErrURITooLong
				}
				return nil, ErrHeaderTooLarge
			}
			if wasReqLine {
				c.reqLineDone = true
			}

			if !bytes.Equal(line, splitio.CharCRLF) && !bytes.Equal(line, splitio.CharLF) {
				continue
			}

			req, err := c.parseHeader()
			if err != nil {
				return nil, err
			}
			c.req = req
			if c.expectedN == 0 && !c.req.Chunked {
				c.st = stateDone
				return c.req, nil
			}
			c.st = stateBody
			if c.req.Chunked {
				c.bodyDec = chunked.NewDecoder()
			}

		case stateBody:
			if c.req.Chunked {
				chunks, err := c.bodyDec.Decode(in, c.bodyChunks)
				c.bodyChunks = chunks
				if err != nil {
					return nil, err
				}
				c.req.Body = c.bodyChunks
				c.st = stateDone
				return c.req, nil
			}

			remain := c.expectedN - c.drainedN
			avail := int64(in.Len())
			if avail == 0 {
				return nil, iobuf.ErrNeedMore
			}
			n := remain
			if avail < n {
				n = avail
			}
			b, err := in.Read(int(n))
			if err != nil {
				return nil, iobuf.ErrNeedMore
			}
			c.bodyChunks = append(c.bodyChunks, b...)
			c.drainedN += int64(len(b))
			if c.drainedN < c.expectedN {
				return nil, iobuf.ErrNeedMore
			}
			c.req.Body = c.bodyChunks
			c.st = stateDone
			return c.req, nil
		}
	}
}

// parseHeader 使用 net/http.ReadRequest 解析累积好的请求行+首部字节
func (c *Conn) parseHeader() (*Request, error) {
	r, err := http.ReadRequest(bufio.NewReaderSize(bytes.NewReader(c.headerBuf.Bytes()), c.headerBuf.Len()))
	if err != nil {
		return nil, errors.Wrap(err, "phttp: malformed request")
	}

	chunkedEnc := len(r.TransferEncoding) > 0 && r.TransferEncoding[0] == "chunked"
	if r.ContentLength > 0 {
		c.expectedN = r.ContentLength
	}

	keepAlive := r.ProtoAtLeast(1, 1) && !headerHasToken(r.Header, "Connection", "close")
	if r.ProtoAtLeast(1, 1) == false {
		keepAlive = headerHasToken(r.Header, "Connection", "keep-alive")
	}

	upgrade := ""
	if headerHasToken(r.Header, "Connection", "upgrade") {
		upgrade = r.Header.Get("Upgrade")
	}

	return &Request{
		Method:        r.Method,
		Path:          r.URL.RequestURI(),
		Proto:         r.Proto,
		Header:        r.Header,
		ContentLength: r.ContentLength,
		Chunked:       chunkedEnc,
		KeepAlive:     keepAlive,
		Upgrade:       upgrade,
	}, nil
}

func headerHasToken(h http.Header, key, token string) bool {
	for _, v := range h[http.CanonicalHeaderKey(key)] {
		if strings.EqualFold(v, token) {
			return true
		}
	}
	return false
}
