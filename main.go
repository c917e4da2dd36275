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

package main

import (
	"fmt"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/packetd/httpcore/cmd"
)

// init 在加载配置 构建 worker pool 之前先把 GOMAXPROCS 校准到 cgroup
// 配额上，避免容器里看到宿主机核数而把 worker pool 撑得过大。
func init() {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		fmt.Printf(format+"\n", args...)
	})); err != nil {
		fmt.Printf("failed to set GOMAXPROCS: %v\n", err)
	}
}

func main() {
	cmd.Execute()
}
