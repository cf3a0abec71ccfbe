package timing

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ethan/raop-client/pkg/health"
	"github.com/ethan/raop-client/pkg/ntp"
	"github.com/ethan/raop-client/pkg/wire"
)

func newUDPPair(t *testing.T) (server *net.UDPConn, client *net.UDPConn) {
	t.Helper()

	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	client, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return server, client
}

func TestResponderEchoesOriginAsRequestTransmit(t *testing.T) {
	server, client := newUDPPair(t)
	sane := health.New(3)

	r := New(server, sane, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	req := wire.TimingPacket{
		Origin:   ntp.Time{Seconds: 1, Fraction: 2},
		Receive:  ntp.Time{Seconds: 3, Fraction: 4},
		Transmit: ntp.Time{Seconds: 5, Fraction: 6},
	}
	_, err := client.WriteTo(req.Encode(), server.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := client.ReadFrom(buf)
	require.NoError(t, err)

	resp, err := wire.DecodeTimingPacket(buf[:n])
	require.NoError(t, err)
	require.Equal(t, req.Transmit, resp.Origin)
	require.NotZero(t, resp.Receive.Seconds)
	require.NotZero(t, resp.Transmit.Seconds)
}

func TestResponderMalformedRequestIncrementsSane(t *testing.T) {
	server, client := newUDPPair(t)
	sane := health.New(2)

	r := New(server, sane, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	_, err := client.WriteTo([]byte{0x01, 0x02, 0x03}, server.LocalAddr())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sane.Snapshot().Timing >= 1
	}, time.Second, 10*time.Millisecond)
}
