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
	"sync"

	"github.com/packetd/httpcore/common"
	"github.com/packetd/httpcore/internal/rescue"
	"github.com/packetd/httpcore/metrics"
)

// job 是提交到 worker pool 的一次调度单元
type job struct {
	handler Handler
	ctx     *Context
}

// Pool 是固定大小的 worker goroutine 池 把 I/O 线程解析出的请求与业务
// handler 的执行隔离开来，避免耗时的业务逻辑阻塞 selector 循环
//
// 队列沿用 internal/pubsub 的"有界 channel 作为队列"思路，但这里只需要
// 一条共享队列（多生产者/多消费者），不需要 pubsub 面向多订阅者的广播
// 语义，因此没有直接复用该包的 PubSub 类型。
type Pool struct {
	router *Router
	queue  chan job
	wg     sync.WaitGroup
}

// NewPool 创建一个固定大小的调度池 workers <= 0 时取 common.Concurrency()
func NewPool(router *Router, queueSize, workers int) *Pool {
	p := &Pool{
		router: router,
		queue:  make(chan job, queueSize),
	}
	if workers <= 0 {
		workers = common.Concurrency()
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.loop()
	}
	return p
}

// Dispatch 查路由表并把匹配到的请求提交给 worker pool 执行
//
// 未命中路由时直接调用 ctx.Writer 写 404 并立即 finish，不占用 worker。
// 返回 false 代表队列已满、请求没有入队；ioloop 在这种情况下直接回写
// 500（HTTP/1.1 随后关闭连接）。
func (p *Pool) Dispatch(ctx *Context) bool {
	h, params := p.router.Lookup(ctx.Method, ctx.Path)
	if h == nil {
		ctx.Writer.WriteHeader(404, nil)
		_, _ = ctx.Writer.Write(notFoundBody)
		_ = ctx.Writer.Close()
		ctx.finish()
		return true
	}
	ctx.Params = params

	select {
	case p.queue <- job{handler: h, ctx: ctx}:
		metrics.DispatchQueueDepth.Set(float64(len(p.queue)))
		return true
	default:
		return false
	}
}

// Close 停止接收新任务并等待在途任务跑完
func (p *Pool) Close() {
	close(p.queue)
	p.wg.Wait()
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer j.ctx.finish()
	defer func() {
		if r := recover(); r != nil {
			j.ctx.Writer.WriteHeader(500, nil)
			_ = j.ctx.Writer.Close()
			for _, fn := range rescue.PanicHandlers {
				fn(r)
			}
		}
	}()
	j.handler(j.ctx)
}

var notFoundBody = []byte("404 not found")
