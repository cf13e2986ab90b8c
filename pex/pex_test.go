package pex

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	eps := []Endpoint{
		{IP: net.IPv4(1, 2, 3, 4), Port: 6881},
		{IP: net.IPv4(5, 6, 7, 8), Port: 51413},
	}
	raw, err := EncodeAdded(eps)
	require.NoError(t, err)

	decoded, err := DecodeAdded(raw)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.True(t, decoded[0].IP.Equal(net.IPv4(1, 2, 3, 4)))
	assert.Equal(t, uint16(6881), decoded[0].Port)
	assert.True(t, decoded[1].IP.Equal(net.IPv4(5, 6, 7, 8)))
	assert.Equal(t, uint16(51413), decoded[1].Port)
}

func TestDecodeThreeAddedEndpoints(t *testing.T) {
	// S6: a payload with 3 compact entries yields exactly 3 endpoints
	added := make([]byte, 18)
	for i := 0; i < 3; i++ {
		copy(added[i*6:], []byte{10, 0, 0, byte(i + 1), 0x1A, 0xE1})
	}
	raw, err := EncodeAdded([]Endpoint{
		{IP: net.IPv4(10, 0, 0, 1), Port: 6881},
		{IP: net.IPv4(10, 0, 0, 2), Port: 6881},
		{IP: net.IPv4(10, 0, 0, 3), Port: 6881},
	})
	require.NoError(t, err)
	decoded, err := DecodeAdded(raw)
	require.NoError(t, err)
	assert.Len(t, decoded, 3)
}

func TestDecodeRejectsMisalignedAdded(t *testing.T) {
	// "added" holds 5 bytes, not a multiple of 6
	buf := []byte("d5:added5:shorte")
	_, err := DecodeAdded(buf)
	assert.Error(t, err)
}

func TestIPv6EndpointsSkippedOnEncode(t *testing.T) {
	v6 := net.ParseIP("::1")
	raw, err := EncodeAdded([]Endpoint{{IP: v6, Port: 1}})
	require.NoError(t, err)
	decoded, err := DecodeAdded(raw)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}
