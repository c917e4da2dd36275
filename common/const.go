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

package common

const (
	// App 应用程序名称
	App = "httpcore"

	// Version 应用程序版本
	Version = "v0.0.1"

	// ReadWriteBlockSize 连接缓冲区的默认粒度
	//
	// 单个 TCP 段的最大长度为 64K (65535 bytes)，但如果给每条连接的输入/
	// 输出缓冲都预分配这么大的空间会造成过多的常驻内存开销，所以取一个
	// 折中的默认块大小，实际容量由 Config.MaxHeaderBytes/PageSize 决定。
	ReadWriteBlockSize = 4096
)
