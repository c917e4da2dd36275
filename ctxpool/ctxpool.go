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

// Package ctxpool 是 I/O 线程本地的上下文复用管理器
//
// 它持有四个 ringbuf.RingBuffer 对象池：HTTP/1.1 连接上下文、HTTP/2
// 连接上下文、HTTP/2 流上下文、body 缓冲页。由于整个生命周期只在单个
// I/O 线程内 Checkout/Checkin（这正是 spec.md 把 I/O 线程设计为单线程
// reactor 的原因之一），不需要 sync.Pool 那样面向多 goroutine 的设计，
// 定长 RingBuffer 更省（没有 GC 压力下的自动收缩，也没有锁）。
//
// 四个池子的划分与复用思路直接对应 other_examples 中 dgrr/http2
// serverConn 里 ctxPool/streamWritePool/copyBufPool 这几个 sync.Pool 的
// 角色，只是落地成 ringbuf.RingBuffer[*T]，并补上了语料里缺失的
// internal/bufpool（见 DESIGN.md 的说明）。
package ctxpool

import (
	"github.com/packetd/httpcore/protocol/phttp"
	"github.com/packetd/httpcore/protocol/phttp2"
	"github.com/packetd/httpcore/ringbuf"
)

// Page 是一页固定大小的 body 缓冲区 用于暂存请求/响应体
type Page struct {
	Buf []byte
}

func (p *Page) reset() {
	p.Buf = p.Buf[:0]
}

// Manager 持有全部四个对象池
type Manager struct {
	h1Conns   *ringbuf.RingBuffer[*phttp.Conn]
	h2Conns   *ringbuf.RingBuffer[*phttp2.Connection]
	h2Streams *ringbuf.RingBuffer[*phttp2.Stream]
	pages     *ringbuf.RingBuffer[*Page]

	maxHeaderBytes    int
	h2Settings        phttp2.Settings
	h2BodyQueueSize   int
	pageSize          int
	streamInitRecvWin int32
	streamInitSendWin int32
}

// New 创建一个按给定容量预分配的 Manager capacity 对应并发连接数量级
func New(capacity, maxHeaderBytes, pageSize, h2BodyQueueSize int, h2Settings phttp2.Settings) *Manager {
	return &Manager{
		h1Conns:           ringbuf.New[*phttp.Conn](capacity),
		h2Conns:           ringbuf.New[*phttp2.Connection](capacity),
		h2Streams:         ringbuf.New[*phttp2.Stream](capacity * 8), // 每条连接允许多个并发流
		pages:             ringbuf.New[*Page](capacity * 4),
		maxHeaderBytes:    maxHeaderBytes,
		h2Settings:        h2Settings,
		h2BodyQueueSize:   h2BodyQueueSize,
		pageSize:          pageSize,
		streamInitRecvWin: int32(h2Settings.InitialWindowSize),
		streamInitSendWin: defaultInitialWindow,
	}
}

const defaultInitialWindow = 65535

// CheckoutH1Conn 取出（或新建）一个 HTTP/1.1 连接上下文
func (m *Manager) CheckoutH1Conn() *phttp.Conn {
	if c, ok := m.h1Conns.Poll(); ok {
		c.Reset()
		return c
	}
	return phttp.NewConn(m.maxHeaderBytes)
}

// CheckinH1Conn 归还一个 HTTP/1.1 连接上下文
func (m *Manager) CheckinH1Conn(c *phttp.Conn) {
	m.h1Conns.Offer(c)
}

// CheckoutH2Conn 取出（或新建）一个 HTTP/2 连接上下文 handler 在每次取出
// 时重新绑定（不同连接的回调闭包捕获的 socket 不同）
func (m *Manager) CheckoutH2Conn(handler phttp2.StreamHandler) *phttp2.Connection {
	if c, ok := m.h2Conns.Poll(); ok {
		return c
	}
	return phttp2.NewConnection(m.h2Settings, m.h2BodyQueueSize, handler)
}

// CheckinH2Conn 归还一个 HTTP/2 连接上下文 释放其 HPACK 资源后才能回收
// HPACK 的动态表状态是按连接维度协商出来的 不能跨连接复用
func (m *Manager) CheckinH2Conn(c *phttp2.Connection) {
	c.Release()
	m.h2Conns.Offer(c)
}

// CheckoutH2Stream 取出（或新建）一个 HTTP/2 流上下文
func (m *Manager) CheckoutH2Stream(id uint32) *phttp2.Stream {
	if s, ok := m.h2Streams.Poll(); ok {
		s.Reset()
		s.ID = id
		s.RecvWindow = m.streamInitRecvWin
		s.SendWindow = m.streamInitSendWin
		return s
	}
	return phttp2.NewStream(id, m.streamInitRecvWin, m.streamInitSendWin, m.h2BodyQueueSize)
}

// CheckinH2Stream 归还一个 HTTP/2 流上下文
func (m *Manager) CheckinH2Stream(s *phttp2.Stream) {
	m.h2Streams.Offer(s)
}

// CheckoutPage 取出（或新建）一页 body 缓冲区
func (m *Manager) CheckoutPage() *Page {
	if p, ok := m.pages.Poll(); ok {
		p.reset()
		return p
	}
	return &Page{Buf: make([]byte, 0, m.pageSize)}
}

// CheckinPage 归还一页 body 缓冲区
func (m *Manager) CheckinPage(p *Page) {
	m.pages.Offer(p)
}
