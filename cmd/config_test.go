package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigLoopConfig(t *testing.T) {
	cfg := defaultConfig()
	loopCfg := cfg.Core.loopConfig()

	assert.Equal(t, "0.0.0.0:8080", loopCfg.Address)
	assert.Equal(t, 1000, loopCfg.Backlog)
	assert.Equal(t, 8192, loopCfg.MaxHeaderBytes)
	assert.Equal(t, 8192, loopCfg.PageSize)
	assert.Equal(t, 16, loopCfg.H2BodyQueueSize)
	assert.Equal(t, int64(30), loopCfg.IdleTimeoutSec)
	assert.Equal(t, int64(10), loopCfg.RequestTimeoutSec)
	assert.Equal(t, int64(5), loopCfg.SettingsTimeoutSec)
	assert.Equal(t, 4096, loopCfg.PoolQueueSize)
	assert.Equal(t, 0, loopCfg.WorkerPoolSize)

	assert.Equal(t, uint32(100), loopCfg.H2Settings.MaxConcurrentStreams)
	assert.Equal(t, uint32(16384), loopCfg.H2Settings.MaxFrameSize)
	assert.Equal(t, uint32(65535), loopCfg.H2Settings.InitialWindowSize)
}

func TestCoreConfigOverridesDefaultSettings(t *testing.T) {
	core := CoreConfig{
		Host:                              "127.0.0.1",
		Port:                              9090,
		MaxConcurrentStreamsPerConnection: 200,
		MaxHeaderListSize:                 4096,
	}
	loopCfg := core.loopConfig()

	assert.Equal(t, "127.0.0.1:9090", loopCfg.Address)
	assert.Equal(t, uint32(200), loopCfg.H2Settings.MaxConcurrentStreams)
	assert.Equal(t, uint32(4096), loopCfg.H2Settings.MaxHeaderListSize)
	// 没显式设置的字段落回 phttp2 的默认值
	assert.Equal(t, uint32(16384), loopCfg.H2Settings.MaxFrameSize)
}
