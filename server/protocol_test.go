package server

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamRequest(t *testing.T) {
	def := netip.MustParseAddrPort("10.0.0.9:5004")

	req, err := parseStreamRequest("STREAM 127.0.0.1:6000 65536", def)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:6000"), req.dest)
	assert.Equal(t, 65536, req.window)

	req, err = parseStreamRequest("STREAM -\r", def)
	require.NoError(t, err)
	assert.Equal(t, def, req.dest)
	assert.Zero(t, req.window)

	_, err = parseStreamRequest("STREAM -", netip.AddrPort{})
	assert.ErrorIs(t, err, errNoDefaultDst)

	for _, bad := range []string{"", "PLAY x", "STREAM", "STREAM host 1", "STREAM 1.2.3.4:5 -1", "STREAM 1.2.3.4:5 1 2"} {
		_, err := parseStreamRequest(bad, def)
		assert.ErrorIs(t, err, errBadRequest, bad)
	}
}

func TestReplies(t *testing.T) {
	assert.Equal(t, "OK 42 5000\n", string(okReply(42, 5000)))
	assert.Equal(t, "ERR bad request\n", string(errReply(errBadRequest)))
}
