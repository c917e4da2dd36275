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

package phttp2

// Settings 记录 RFC 7540 §6.5.2 定义的 6 个已识别 SETTINGS 参数
//
// 字段全部使用指针以外的零值哨兵是不够的（0 是合法的 EnablePush 取值），
// 因此未显式收到的参数一律保留协议默认值，由 NewDefaultSettings 负责
// 填充，收到对端 SETTINGS 帧时逐个覆盖。
type Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
}

// NewDefaultSettings 返回 RFC 7540 §6.5.2 表格中定义的默认值
func NewDefaultSettings() Settings {
	return Settings{
		HeaderTableSize:      defaultHeaderTableSize,
		EnablePush:           true,
		MaxConcurrentStreams: defaultMaxConcurrentStrm,
		InitialWindowSize:    defaultInitialWindow,
		MaxFrameSize:         defaultMaxFrameSize,
		MaxHeaderListSize:    0, // 0 代表无限制
	}
}

// Apply 将一个 (id, value) SETTINGS 参数应用到 s 未识别的 id 按 RFC 要求忽略
func (s *Settings) Apply(id uint16, value uint32) error {
	switch id {
	case settingsHeaderTableSize:
		s.HeaderTableSize = value
	case settingsEnablePush:
		if value > 1 {
			return newConnError(errCodeProtocol, "invalid ENABLE_PUSH value %d", value)
		}
		s.EnablePush = value == 1
	case settingsMaxConcurrentStreams:
		s.MaxConcurrentStreams = value
	case settingsInitialWindowSize:
		if value > maxWindowSize {
			return newConnError(errCodeFlowControl, "invalid INITIAL_WINDOW_SIZE value %d", value)
		}
		s.InitialWindowSize = value
	case settingsMaxFrameSize:
		if value < defaultMaxFrameSize || value > maxAllowedFrameSize {
			return newConnError(errCodeProtocol, "invalid MAX_FRAME_SIZE value %d", value)
		}
		s.MaxFrameSize = value
	case settingsMaxHeaderListSize:
		s.MaxHeaderListSize = value
	}
	return nil
}

// EncodeSettingsPayload 将 s 中的全部参数编码为 SETTINGS 帧 payload
func EncodeSettingsPayload(s Settings) []byte {
	push := uint32(0)
	if s.EnablePush {
		push = 1
	}
	params := []struct {
		id  uint16
		val uint32
	}{
		{settingsHeaderTableSize, s.HeaderTableSize},
		{settingsEnablePush, push},
		{settingsMaxConcurrentStreams, s.MaxConcurrentStreams},
		{settingsInitialWindowSize, s.InitialWindowSize},
		{settingsMaxFrameSize, s.MaxFrameSize},
		{settingsMaxHeaderListSize, s.MaxHeaderListSize},
	}

	payload := make([]byte, 0, len(params)*6)
	for _, p := range params {
		payload = append(payload, byte(p.id>>8), byte(p.id))
		payload = append(payload, byte(p.val>>24), byte(p.val>>16), byte(p.val>>8), byte(p.val))
	}
	return payload
}

// DecodeSettingsPayload 将 SETTINGS 帧 payload 中的参数逐个应用到 s
//
// payload 长度必须是 6 的整数倍 否则是 FRAME_SIZE_ERROR (RFC 7540 §6.5)
func DecodeSettingsPayload(s *Settings, payload []byte) error {
	if len(payload)%6 != 0 {
		return newConnError(errCodeFrameSize, "settings payload length %d not a multiple of 6", len(payload))
	}
	for i := 0; i < len(payload); i += 6 {
		id := uint16(payload[i])<<8 | uint16(payload[i+1])
		val := uint32(payload[i+2])<<24 | uint32(payload[i+3])<<16 | uint32(payload[i+4])<<8 | uint32(payload[i+5])
		if err := s.Apply(id, val); err != nil {
			return err
		}
	}
	return nil
}
