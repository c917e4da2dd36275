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

package ioloop

// timingWheel 是一个按秒分槽的环形定时轮 用于空闲连接超时
//
// 每次 epoll_wait 返回（至少每 1 秒一次，见 Run 里的超时参数）都会检查
// 当前秒对应的槽位并驱逐该格里已经到期的连接。选用定时轮而不是 internal/fasttime
// 式的一个独立 goroutine 或者每条连接一个 time.Timer，是因为后者在
// 连接数很大时会产生大量计时器/goroutine 开销，而这里的超时精度只需要
// 到秒级，定时轮把"续期"做成 O(1) 的挪动而不是重建计时器。
type timingWheel struct {
	slots       []map[int]*conn // 每个槽位存放到期时间落在该槽的连接 以 fd 为键
	idleSeconds int64
}

func newTimingWheel(idleSeconds int64) *timingWheel {
	if idleSeconds <= 0 {
		idleSeconds = 60
	}
	w := &timingWheel{
		slots:       make([]map[int]*conn, idleSeconds+1),
		idleSeconds: idleSeconds,
	}
	for i := range w.slots {
		w.slots[i] = make(map[int]*conn)
	}
	return w
}

func (w *timingWheel) slotFor(now int64) int {
	return int((now + w.idleSeconds) % int64(len(w.slots)))
}

// add 把一条新连接放入到期槽位
func (w *timingWheel) add(c *conn, now int64) {
	c.lastActive = now
	slot := w.slotFor(now)
	c.wheelSlot = slot
	w.slots[slot][c.fd] = c
}

// touch 在连接有活动时续期：从旧槽位移除 放入新的到期槽位
func (w *timingWheel) touch(c *conn, now int64) {
	delete(w.slots[c.wheelSlot], c.fd)
	w.add(c, now)
}

// remove 连接关闭时从定时轮中摘除
func (w *timingWheel) remove(c *conn) {
	delete(w.slots[c.wheelSlot], c.fd)
}

// expire 驱逐槽位中到期时间已经落在 now 之前的连接
//
// 用 now 对齐槽位宽度一圈即可覆盖"指针走了一整圈却没人 touch"的连接，
// 逐个校验 lastActive+idleSeconds 是否真的已经过期，避免定时轮惯常的
// 哈希冲突（不同到期时间落入同一槽位）误杀。
func (w *timingWheel) expire(now int64, onExpire func(*conn)) {
	slot := int(now % int64(len(w.slots)))
	bucket := w.slots[slot]
	if len(bucket) == 0 {
		return
	}
	var expired []*conn
	for _, c := range bucket {
		if now-c.lastActive >= w.idleSeconds {
			expired = append(expired, c)
		}
	}
	for _, c := range expired {
		delete(bucket, c.fd)
		onExpire(c)
	}
}

// reqTimingWheel 结构与 timingWheel 完全相同的定时轮算法，但驱逐的依据
// 是"开始接收一个请求却迟迟没有解析完"而不是"连接整体空闲"，对应
// spec 里 requestTimeout 与 idleTimeout 是两个独立的超时维度：一条
// keep-alive 连接可以空闲很久都不超时，但一旦开始发送下一个请求就必须
// 在 requestTimeout 内说完，否则会被摘掉——这和 idle 轮各自维护一套
// lastActive/wheelSlot 簿记，互不干扰。
type reqTimingWheel struct {
	slots   []map[int]*conn
	seconds int64
}

func newReqTimingWheel(seconds int64) *reqTimingWheel {
	if seconds <= 0 {
		seconds = 10
	}
	w := &reqTimingWheel{
		slots:   make([]map[int]*conn, seconds+1),
		seconds: seconds,
	}
	for i := range w.slots {
		w.slots[i] = make(map[int]*conn)
	}
	return w
}

func (w *reqTimingWheel) slotFor(now int64) int {
	return int((now + w.seconds) % int64(len(w.slots)))
}

// arm 标记 c 刚开始接收一个尚未解析完的请求
func (w *reqTimingWheel) arm(c *conn, now int64) {
	c.reqStartedAt = now
	slot := w.slotFor(now)
	c.reqWheelSlot = slot
	w.slots[slot][c.fd] = c
}

// disarm 请求已经解析完成或连接关闭，撤销超时监控
func (w *reqTimingWheel) disarm(c *conn) {
	if c.reqStartedAt == 0 {
		return
	}
	delete(w.slots[c.reqWheelSlot], c.fd)
	c.reqStartedAt = 0
}

func (w *reqTimingWheel) expire(now int64, onExpire func(*conn)) {
	slot := int(now % int64(len(w.slots)))
	bucket := w.slots[slot]
	if len(bucket) == 0 {
		return
	}
	var expired []*conn
	for _, c := range bucket {
		if c.reqStartedAt != 0 && now-c.reqStartedAt >= w.seconds {
			expired = append(expired, c)
		}
	}
	for _, c := range expired {
		delete(bucket, c.fd)
		c.reqStartedAt = 0
		onExpire(c)
	}
}

// settingsTimingWheel 与 reqTimingWheel 算法相同，驱逐依据是"本端发出了
// 初始 SETTINGS 却迟迟没有等到对端的 ack"（RFC 7540 §6.5.3 建议的
// SETTINGS_TIMEOUT）。只在一条连接确定走 HTTP/2 之后 arm 一次，对端 ack
// 后或连接关闭时 disarm，不随每一帧重新计时。
type settingsTimingWheel struct {
	slots   []map[int]*conn
	seconds int64
}

func newSettingsTimingWheel(seconds int64) *settingsTimingWheel {
	if seconds <= 0 {
		seconds = 10
	}
	w := &settingsTimingWheel{
		slots:   make([]map[int]*conn, seconds+1),
		seconds: seconds,
	}
	for i := range w.slots {
		w.slots[i] = make(map[int]*conn)
	}
	return w
}

func (w *settingsTimingWheel) slotFor(now int64) int {
	return int((now + w.seconds) % int64(len(w.slots)))
}

// arm 标记 c 刚发出本端的初始 SETTINGS 正在等待对端 ack
func (w *settingsTimingWheel) arm(c *conn, now int64) {
	c.settingsStartedAt = now
	slot := w.slotFor(now)
	c.settingsWheelSlot = slot
	w.slots[slot][c.fd] = c
}

// disarm 对端已经 ack 或连接关闭，撤销超时监控
func (w *settingsTimingWheel) disarm(c *conn) {
	if c.settingsStartedAt == 0 {
		return
	}
	delete(w.slots[c.settingsWheelSlot], c.fd)
	c.settingsStartedAt = 0
}

func (w *settingsTimingWheel) expire(now int64, onExpire func(*conn)) {
	slot := int(now % int64(len(w.slots)))
	bucket := w.slots[slot]
	if len(bucket) == 0 {
		return
	}
	var expired []*conn
	for _, c := range bucket {
		if c.settingsStartedAt != 0 && now-c.settingsStartedAt >= w.seconds {
			expired = append(expired, c)
		}
	}
	for _, c := range expired {
		delete(bucket, c.fd)
		c.settingsStartedAt = 0
		onExpire(c)
	}
}
