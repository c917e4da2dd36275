package phttp2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsEncodeDecodeRoundTrip(t *testing.T) {
	in := NewDefaultSettings()
	in.MaxConcurrentStreams = 42
	in.InitialWindowSize = 123456

	payload := EncodeSettingsPayload(in)
	assert.Equal(t, 0, len(payload)%6)

	var out Settings
	require.NoError(t, DecodeSettingsPayload(&out, payload))
	assert.Equal(t, in, out)
}

func TestSettingsRejectsMisalignedPayload(t *testing.T) {
	var s Settings
	err := DecodeSettingsPayload(&s, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestSettingsApplyRejectsInvalidEnablePush(t *testing.T) {
	var s Settings
	err := s.Apply(settingsEnablePush, 2)
	assert.Error(t, err)
}

func TestSettingsApplyRejectsOversizedWindow(t *testing.T) {
	var s Settings
	err := s.Apply(settingsInitialWindowSize, maxWindowSize+1)
	assert.Error(t, err)
}
