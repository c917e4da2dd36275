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

// Package ioloop 实现单线程 reactor：一个 goroutine 独占 epoll
// selector，负责 accept、read、write、超时与关闭，解析与业务执行被
// 转交给 protocol/phttp、protocol/phttp2 与 dispatch，I/O 线程本身
// 只做字节搬运和状态机驱动。
//
// 整体结构参照 other_examples 中 dgrr/http2 serverConn 的事件驱动
// 风格，但用 golang.org/x/sys/unix 的 epoll 原语自己实现 selector，
// 而不是委托给 net.Conn + goroutine-per-connection（spec 明确要求单
// 线程 selector，见 DESIGN.md 的架构决策记录）。
package ioloop

import (
	"net"
	"strconv"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/packetd/httpcore/common"
	"github.com/packetd/httpcore/common/socket"
	"github.com/packetd/httpcore/ctxpool"
	"github.com/packetd/httpcore/dispatch"
	"github.com/packetd/httpcore/internal/fasttime"
	"github.com/packetd/httpcore/internal/rescue"
	"github.com/packetd/httpcore/logger"
	"github.com/packetd/httpcore/metrics"
	"github.com/packetd/httpcore/protocol/phttp"
	"github.com/packetd/httpcore/protocol/phttp2"
)

func newError(format string, args ...any) error {
	return errors.Errorf("ioloop: "+format, args...)
}

const maxEpollEvents = 256

// Config 是 Loop 的启动参数
type Config struct {
	Address            string
	Backlog            int
	MaxHeaderBytes     int
	PageSize           int
	H2BodyQueueSize    int
	H2Settings         phttp2.Settings
	IdleTimeoutSec     int64
	RequestTimeoutSec  int64
	SettingsTimeoutSec int64
	PoolQueueSize      int
	WorkerPoolSize     int
}

// Loop 是单个 I/O 线程的 reactor 实例 调用方应当只在一个 goroutine 中
// 调用 Run，不要并发调用 Loop 上的任何方法。
type Loop struct {
	epfd     int
	listenFd int
	wakeFd   int // eventfd：worker goroutine 写入完成事件后通过它唤醒 epoll_wait
	conns    map[int]*conn

	pool          *dispatch.Pool
	ctxmgr        *ctxpool.Manager
	wheel         *timingWheel
	reqWheel      *reqTimingWheel
	settingsWheel *settingsTimingWheel
	completions   chan completion

	cfg Config

	closed       bool
	draining     atomic.Bool // Drain() 可能被其它 goroutine（信号处理）调用
	drainStarted bool        // 仅 I/O 线程读写，标记 beginDrain 是否已经跑过
}

// New 创建一个尚未开始监听的 Loop
func New(cfg Config, router *dispatch.Router) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, newError("epoll_create1: %v", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, newError("eventfd: %v", err)
	}

	l := &Loop{
		epfd:   epfd,
		wakeFd: wakeFd,
		conns:  make(map[int]*conn),
		pool:   dispatch.NewPool(router, cfg.PoolQueueSize, cfg.WorkerPoolSize),
		ctxmgr: ctxpool.New(
			common.Concurrency(),
			cfg.MaxHeaderBytes,
			cfg.PageSize,
			cfg.H2BodyQueueSize,
			cfg.H2Settings,
		),
		wheel:         newTimingWheel(cfg.IdleTimeoutSec),
		reqWheel:      newReqTimingWheel(cfg.RequestTimeoutSec),
		settingsWheel: newSettingsTimingWheel(cfg.SettingsTimeoutSec),
		completions:   make(chan completion, cfg.PoolQueueSize),
		cfg:           cfg,
	}
	if err := l.addFd(wakeFd, unix.EPOLLIN); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFd)
		return nil, newError("register eventfd: %v", err)
	}
	return l, nil
}

// Drain 请求优雅关闭：停止 accept 新连接，给所有 HTTP/2 连接发
// GOAWAY(NO_ERROR)，HTTP/1.1 连接在当前请求处理完后不再保持
// keep-alive。可以从 Run 所在 goroutine 之外调用（典型调用点是信号
// 处理 goroutine），真正的清理动作推迟到 I/O 线程下一次醒来时执行。
func (l *Loop) Drain() {
	l.draining.Store(true)
	l.wake()
}

// wake 通过向 eventfd 写入一个 8 字节计数器唤醒正在 epoll_wait 的 I/O
// 线程 可以被任意 worker goroutine 并发调用
func (l *Loop) wake() {
	var buf [8]byte
	buf[7] = 1
	_, _ = unix.Write(l.wakeFd, buf[:])
}

// drainCompletions 清空 eventfd 计数器并应用所有已经入队的完成事件
func (l *Loop) drainCompletions() {
	var buf [8]byte
	_, _ = unix.Read(l.wakeFd, buf[:])
	for {
		select {
		case comp := <-l.completions:
			l.applyCompletion(comp)
		default:
			return
		}
	}
}

// Listen 绑定并监听 l.cfg.Address 非阻塞 accept 套接字注册到 epoll
func (l *Loop) Listen() error {
	host, portStr, err := net.SplitHostPort(l.cfg.Address)
	if err != nil {
		return newError("invalid address %q: %v", l.cfg.Address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return newError("invalid port %q: %v", portStr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return newError("socket: %v", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return newError("setsockopt SO_REUSEADDR: %v", err)
	}

	var addr [4]byte
	if host != "" {
		ip := net.ParseIP(host).To4()
		if ip == nil {
			return newError("address %q is not an IPv4 literal", host)
		}
		copy(addr[:], ip)
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	if err := unix.Bind(fd, sa); err != nil {
		return newError("bind %s: %v", l.cfg.Address, err)
	}
	backlog := l.cfg.Backlog
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return newError("listen: %v", err)
	}

	l.listenFd = fd
	return l.addFd(fd, unix.EPOLLIN)
}

// Run 进入事件循环 阻塞直到 Close 被调用或发生不可恢复的 epoll 错误
func (l *Loop) Run() error {
	defer rescue.HandleCrash()

	events := make([]unix.EpollEvent, maxEpollEvents)
	for !l.closed {
		n, err := unix.EpollWait(l.epfd, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return newError("epoll_wait: %v", err)
		}

		if l.draining.Load() && !l.drainStarted {
			l.drainStarted = true
			l.beginDrain()
		}
		if l.drainStarted && len(l.conns) == 0 {
			l.closed = true
			break
		}

		now := fasttime.UnixTimestamp()
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case l.listenFd:
				l.acceptAll()
			case l.wakeFd:
				l.drainCompletions()
			default:
				c, ok := l.conns[fd]
				if !ok {
					continue
				}
				l.wheel.touch(c, now)
				l.handleEvent(c, events[i].Events)
			}
		}
		l.wheel.expire(now, l.closeIdleConn)
		l.reqWheel.expire(now, l.closeTimedOutConn)
		l.settingsWheel.expire(now, l.closeSettingsTimedOutConn)
	}
	return nil
}

// Close 停止事件循环 关闭所有连接与监听套接字
//
// 拆除路径里要逐个关闭可能数以千计的连接 fd，任何一个 close(2) 失败都不
// 应该阻止其它连接被清理；用 go-multierror 把它们都收集起来一次性返回，
// 而不是只报告第一个错误。
func (l *Loop) Close() error {
	l.closed = true
	var result *multierror.Error
	for fd := range l.conns {
		if err := unix.Close(fd); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "close conn fd %d", fd))
		}
	}
	l.conns = make(map[int]*conn)
	if l.listenFd != 0 {
		if err := unix.Close(l.listenFd); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close listen fd"))
		}
	}
	if err := unix.Close(l.wakeFd); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close wake fd"))
	}
	if err := unix.Close(l.epfd); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close epoll fd"))
	}
	l.pool.Close()
	return result.ErrorOrNil()
}

// beginDrain 执行一次性的排空动作：关掉监听套接字，推送 GOAWAY，标记
// 所有空闲的 HTTP/1.1 连接直接关闭，正在处理请求的留到响应完成后关闭。
func (l *Loop) beginDrain() {
	if l.listenFd != 0 {
		_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, l.listenFd, nil)
		_ = unix.Close(l.listenFd)
		l.listenFd = 0
	}
	for _, c := range l.conns {
		switch c.proto {
		case protoH2:
			if c.h2 != nil {
				c.h2.GoAway(c.out, 0, nil) // NO_ERROR
				_ = l.flushConn(c)
			}
		case protoH1:
			c.closeAfterResponse = true
			if !c.h1Busy {
				l.closeConn(c)
			}
		default:
			l.closeConn(c)
		}
	}
}

func (l *Loop) acceptAll() {
	if l.draining.Load() {
		return
	}
	for {
		fd, peer, err := unix.Accept4(l.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			logger.Errorf("ioloop: accept4: %v", err)
			return
		}
		c := newConn(fd, l.cfg)
		c.metricsProto = "unknown"
		if local, err := unix.Getsockname(fd); err == nil {
			if tp, err := socket.FromSockaddr(peer, local); err == nil {
				c.tp = tp
			}
		}
		l.conns[fd] = c
		l.wheel.add(c, fasttime.UnixTimestamp())
		logger.Debugf("ioloop: accepted conn %s (fd %d) %s", c.id, fd, c.tp)
		metrics.ConnectionsAccepted.WithLabelValues("unknown").Inc()
		metrics.ConnectionsActive.WithLabelValues("unknown").Inc()
		if err := l.addFd(fd, unix.EPOLLIN); err != nil {
			logger.Errorf("ioloop: register conn fd %d: %v", fd, err)
			l.closeConn(c)
		}
	}
}

func (l *Loop) handleEvent(c *conn, events uint32) {
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		l.closeConn(c)
		return
	}
	if events&unix.EPOLLIN != 0 {
		if err := l.readConn(c); err != nil {
			l.closeConn(c)
			return
		}
	}
	if events&unix.EPOLLOUT != 0 {
		if err := l.flushConn(c); err != nil {
			l.closeConn(c)
			return
		}
	}
	if c.shouldClose {
		l.closeConn(c)
	}
}

// closeIdleConn 是 timingWheel 到期回调专用的入口，先记一笔空闲超时计数
// 再走和其它关闭路径一样的清理逻辑。
func (l *Loop) closeIdleConn(c *conn) {
	metrics.IdleConnectionsClosed.Inc()
	l.closeConn(c)
}

// closeTimedOutConn 是 reqTimingWheel 到期回调，对还没解析完的 HTTP/1.1
// 请求写 408 后关闭连接。reqTimingWheel 只在 driveH1 里 arm，HTTP/2 连接
// 没有请求超时。
func (l *Loop) closeTimedOutConn(c *conn) {
	metrics.ProtocolErrors.WithLabelValues(c.protoLabel(), "request_timeout").Inc()
	if c.proto == protoH1 {
		phttp.WriteRequestTimeout(c.out)
		_ = l.flushConn(c)
	}
	l.closeConn(c)
}

// closeSettingsTimedOutConn 是 settingsTimingWheel 到期回调：本端发出的
// 初始 SETTINGS 迟迟没有等到对端 ack，按 RFC 7540 §6.5.3 建议以
// SETTINGS_TIMEOUT 发送 GOAWAY 并关闭连接。
func (l *Loop) closeSettingsTimedOutConn(c *conn) {
	metrics.ProtocolErrors.WithLabelValues(c.protoLabel(), "settings_timeout").Inc()
	if c.proto == protoH2 && c.h2 != nil {
		c.h2.GoAway(c.out, phttp2.ErrCodeSettingsTimeout, []byte("settings ack not received"))
		_ = l.flushConn(c)
	}
	l.closeConn(c)
}

func (l *Loop) closeConn(c *conn) {
	logger.Debugf("ioloop: closing conn %s (fd %d) %s", c.id, c.fd, c.tp)
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	_ = unix.Close(c.fd)
	delete(l.conns, c.fd)
	l.wheel.remove(c)
	l.reqWheel.disarm(c)
	l.settingsWheel.disarm(c)
	metrics.ConnectionsActive.WithLabelValues(c.metricsProto).Dec()
	c.release(l.ctxmgr)
}

func (l *Loop) addFd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (l *Loop) modFd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}
