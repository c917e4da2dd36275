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

// Package dispatch 把解析完成的请求路由到业务处理函数 并在独立的
// worker pool 上执行，执行完毕后通过回调把响应数据交回 I/O 线程
//
// 路由表沿用 internal/labels 对 cespare/xxhash/v2 的用法：用
// method+path 拼出一个 key，取其 64 位哈希作为 map 键，避免整段路径
// 字符串比较；单段通配符（/users/:id 这种只允许一个可变段）走单独的
// 线性匹配列表，数量通常很小，不值得为此引入 trie。
package dispatch

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Handler 处理一个已经解析完成的请求 具体的请求/响应载体由上层
// （h1/h2 适配层）决定，dispatch 只负责路由与执行，不关心协议细节。
type Handler func(ctx *Context)

type wildcardRoute struct {
	method   string
	segments []string // 以 ":" 开头的段代表通配段
	handler  Handler
}

// Router 是一张只读路由表 注册阶段之后不允许并发修改
type Router struct {
	static    map[uint64]Handler
	wildcards []wildcardRoute
}

// NewRouter 创建一个空路由表
func NewRouter() *Router {
	return &Router{static: make(map[uint64]Handler)}
}

// Handle 注册一个 method+path 对应的处理函数
//
// path 中以 ":" 开头的段被视为单段通配符 例如 "/users/:id"；不含通配符
// 的路径进入哈希表，O(1) 查找，通配路径进入线性匹配列表。
func (r *Router) Handle(method, path string, h Handler) {
	if strings.Contains(path, ":") {
		r.wildcards = append(r.wildcards, wildcardRoute{
			method:   method,
			segments: splitPath(path),
			handler:  h,
		})
		return
	}
	r.static[routeKey(method, path)] = h
}

// Lookup 返回 method+path 对应的处理函数及从通配段中提取的参数
// 未找到时 handler 为 nil
func (r *Router) Lookup(method, path string) (Handler, map[string]string) {
	if h, ok := r.static[routeKey(method, path)]; ok {
		return h, nil
	}
	reqSegments := splitPath(path)
	for _, wr := range r.wildcards {
		if wr.method != method {
			continue
		}
		if params, ok := matchSegments(wr.segments, reqSegments); ok {
			return wr.handler, params
		}
	}
	return nil, nil
}

func routeKey(method, path string) uint64 {
	return xxhash.Sum64String(method + " " + path)
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func matchSegments(pattern, actual []string) (map[string]string, bool) {
	if len(pattern) != len(actual) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range pattern {
		if strings.HasPrefix(seg, ":") {
			if params == nil {
				params = make(map[string]string, 1)
			}
			params[seg[1:]] = actual[i]
			continue
		}
		if seg != actual[i] {
			return nil, false
		}
	}
	return params, true
}
