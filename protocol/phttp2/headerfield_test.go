package phttp2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeRaw(t *testing.T, fields ...HeaderField) []byte {
	t.Helper()
	enc := NewHeaderEncoder()
	defer enc.Release()
	h := NewHeaders()
	for _, f := range fields {
		h.Add(f.Name, f.Value)
	}
	return enc.Encode(nil, h)
}

func TestHeaderDecoderAcceptsWellFormedRequest(t *testing.T) {
	dec := NewHeaderDecoder()
	defer dec.Release()

	block := encodeRaw(t,
		HeaderField{Name: headerMethod, Value: "GET"},
		HeaderField{Name: headerScheme, Value: "https"},
		HeaderField{Name: headerPath, Value: "/"},
		HeaderField{Name: headerAuthority, Value: "example.com"},
		HeaderField{Name: "accept", Value: "*/*"},
	)
	headers, err := dec.Decode(block)
	require.NoError(t, err)
	assert.Equal(t, "GET", headers.Method())
}

func TestHeaderDecoderRejectsPseudoAfterRegular(t *testing.T) {
	dec := NewHeaderDecoder()
	defer dec.Release()

	block := encodeRaw(t,
		HeaderField{Name: headerMethod, Value: "GET"},
		HeaderField{Name: "accept", Value: "*/*"},
		HeaderField{Name: headerScheme, Value: "https"},
		HeaderField{Name: headerPath, Value: "/"},
		HeaderField{Name: headerAuthority, Value: "example.com"},
	)
	_, err := dec.Decode(block)
	require.Error(t, err)
	var hv *headerValidationError
	assert.ErrorAs(t, err, &hv)
}

func TestHeaderDecoderRejectsDuplicatePseudoHeader(t *testing.T) {
	dec := NewHeaderDecoder()
	defer dec.Release()

	block := encodeRaw(t,
		HeaderField{Name: headerMethod, Value: "GET"},
		HeaderField{Name: headerMethod, Value: "POST"},
		HeaderField{Name: headerScheme, Value: "https"},
		HeaderField{Name: headerPath, Value: "/"},
		HeaderField{Name: headerAuthority, Value: "example.com"},
	)
	_, err := dec.Decode(block)
	require.Error(t, err)
	var hv *headerValidationError
	assert.ErrorAs(t, err, &hv)
}

func TestHeaderDecoderRejectsUppercaseRegularHeaderName(t *testing.T) {
	dec := NewHeaderDecoder()
	defer dec.Release()

	block := encodeRaw(t,
		HeaderField{Name: headerMethod, Value: "GET"},
		HeaderField{Name: headerScheme, Value: "https"},
		HeaderField{Name: headerPath, Value: "/"},
		HeaderField{Name: headerAuthority, Value: "example.com"},
		HeaderField{Name: "Accept", Value: "*/*"},
	)
	_, err := dec.Decode(block)
	require.Error(t, err)
	var hv *headerValidationError
	assert.ErrorAs(t, err, &hv)
}

func TestHeaderDecoderRejectsMissingRequiredPseudoHeader(t *testing.T) {
	dec := NewHeaderDecoder()
	defer dec.Release()

	block := encodeRaw(t,
		HeaderField{Name: headerMethod, Value: "GET"},
		HeaderField{Name: headerScheme, Value: "https"},
		HeaderField{Name: headerAuthority, Value: "example.com"},
	)
	_, err := dec.Decode(block)
	require.Error(t, err)
	var hv *headerValidationError
	assert.ErrorAs(t, err, &hv)
}

func TestHeaderDecoderAcceptsConnectWithOnlyAuthority(t *testing.T) {
	dec := NewHeaderDecoder()
	defer dec.Release()

	block := encodeRaw(t,
		HeaderField{Name: headerMethod, Value: "CONNECT"},
		HeaderField{Name: headerAuthority, Value: "example.com:443"},
	)
	headers, err := dec.Decode(block)
	require.NoError(t, err)
	assert.Equal(t, "CONNECT", headers.Method())
}

// invalidHeaderAssemblyIsStreamScoped 校验装配失败映射为 §8.1.2.6 要求
// 的流级 PROTOCOL_ERROR，而不是把整条连接拖垮。
func TestInvalidHeaderAssemblyIsStreamScoped(t *testing.T) {
	s := NewStream(1, defaultInitialWindow, defaultInitialWindow, 8)
	dec := NewHeaderDecoder()
	defer dec.Release()

	block := encodeRaw(t,
		HeaderField{Name: headerMethod, Value: "GET"},
		HeaderField{Name: "Accept", Value: "*/*"},
		HeaderField{Name: headerScheme, Value: "https"},
		HeaderField{Name: headerPath, Value: "/"},
		HeaderField{Name: headerAuthority, Value: "example.com"},
	)
	err := s.AppendHeaderFragment(dec, block, true, false)
	require.Error(t, err)

	streamID, scoped := StreamScope(err)
	assert.True(t, scoped)
	assert.Equal(t, uint32(1), streamID)
	assert.Equal(t, uint32(errCodeProtocol), ErrorCode(err))
}
