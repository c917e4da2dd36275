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

// Package socket 定义了标识一条 TCP 连接的四元组，供日志与连接级指标
// 使用；它不携带任何协议语义，纯粹是一个可打印、可比较的连接身份。
package socket

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Version IP 版本 v4/v6
type Version uint8

const (
	V4 Version = iota
	V6
)

// IPV 基于 net.IP 做了一层封装
//
// 记录了 IP Bytes 以及协议版本信息
type IPV struct {
	IP      [net.IPv6len]byte
	Version Version
}

// ToIPV4 将 net.IP 转换为 IPV4 版本
func ToIPV4(ip net.IP) IPV {
	var dst [net.IPv6len]byte
	copy(dst[:], ip[:])
	return IPV{IP: dst, Version: V4}
}

// ToIPV6 将 net.IP 转换为 IPV6 版本
func ToIPV6(ip net.IP) IPV {
	var dst [net.IPv6len]byte
	copy(dst[:], ip[:])
	return IPV{IP: dst, Version: V6}
}

// NetIP 将 IPV 转换为 net.IP
func (ipv IPV) NetIP() net.IP {
	if ipv.Version == V4 {
		return ipv.IP[:net.IPv4len]
	}
	return ipv.IP[:]
}

func (ipv IPV) String() string {
	return ipv.NetIP().String()
}

type Port uint16

// Tuple 四元组标识一条 TCP 连接
//
// 对于全双工连接来说并无准确的源 IP 目标 IP 的说法 但 accept 出来的
// socket 本身是有方向的：Src 一端是发起连接的客户端
type Tuple struct {
	SrcIP   IPV
	DstIP   IPV
	SrcPort Port
	DstPort Port
}

// FromSockaddr 从 accept4 返回的对端地址和本地 getsockname 结果拼出一个
// Tuple，accept4 不会直接把本地地址带出来，所以需要额外查询一次。
func FromSockaddr(peer, local unix.Sockaddr) (Tuple, error) {
	srcIP, srcPort, err := toIPPort(peer)
	if err != nil {
		return Tuple{}, err
	}
	dstIP, dstPort, err := toIPPort(local)
	if err != nil {
		return Tuple{}, err
	}
	return Tuple{SrcIP: srcIP, SrcPort: srcPort, DstIP: dstIP, DstPort: dstPort}, nil
}

func toIPPort(sa unix.Sockaddr) (IPV, Port, error) {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return ToIPV4(net.IP(addr.Addr[:])), Port(addr.Port), nil
	case *unix.SockaddrInet6:
		return ToIPV6(net.IP(addr.Addr[:])), Port(addr.Port), nil
	default:
		return IPV{}, 0, fmt.Errorf("socket: unsupported sockaddr type %T", sa)
	}
}

func (t Tuple) ToRaw() TupleRaw {
	return TupleRaw{
		SrcIP:   t.SrcIP.String(),
		DstIP:   t.DstIP.String(),
		SrcPort: uint16(t.SrcPort),
		DstPort: uint16(t.DstPort),
	}
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s:%d > %s:%d", t.SrcIP, t.SrcPort, t.DstIP, t.DstPort)
}

// TupleRaw 将四元组转换成原始数据格式 便于序列化到日志里
type TupleRaw struct {
	SrcIP   string
	DstIP   string
	SrcPort uint16
	DstPort uint16
}

func (t TupleRaw) String() string {
	return fmt.Sprintf("%s:%d > %s:%d", t.SrcIP, t.SrcPort, t.DstIP, t.DstPort)
}

// Mirror 反转连接方向 即通信的另一端看到的四元组
func (t Tuple) Mirror() Tuple {
	return Tuple{
		SrcIP:   t.DstIP,
		DstIP:   t.SrcIP,
		SrcPort: t.DstPort,
		DstPort: t.SrcPort,
	}
}
