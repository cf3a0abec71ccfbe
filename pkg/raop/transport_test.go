package raop

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethan/raop-client/pkg/rtsp"
)

func TestParseTransportPorts(t *testing.T) {
	transport := "RTP/AVP/UDP;unicast;mode=record;server_port=6000;control_port=6001;timing_port=6002"

	server, control, timing, err := parseTransportPorts(transport)
	require.NoError(t, err)
	require.Equal(t, 6000, server)
	require.Equal(t, 6001, control)
	require.Equal(t, 6002, timing)
}

func TestParseTransportPortsMissingFieldFails(t *testing.T) {
	_, _, _, err := parseTransportPorts("RTP/AVP/UDP;unicast;server_port=6000;control_port=6001")
	require.Error(t, err)
}

func TestFindHeaderCaseInsensitive(t *testing.T) {
	headers := []rtsp.Field{{Key: "Transport", Value: "abc"}}
	require.Equal(t, "abc", findHeader(headers, "transport"))
	require.Equal(t, "", findHeader(headers, "nope"))
}

func TestRandomSessionIDAndSSRCVary(t *testing.T) {
	a := randomSessionID()
	b := randomSessionID()
	require.NotEqual(t, a, b)

	sa := randomSSRC()
	sb := randomSSRC()
	require.NotEqual(t, sa, sb)
}
