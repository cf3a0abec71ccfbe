package syncctl

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/raop-client/pkg/health"
	"github.com/ethan/raop-client/pkg/ntp"
	"github.com/ethan/raop-client/pkg/streamer"
	"github.com/ethan/raop-client/pkg/wire"
)

type fixedHead struct{ ts ntp.Frames }

func (f fixedHead) HeadTimestamp() ntp.Frames { return f.ts }

type fakeBacklog struct {
	entries map[uint16]streamer.BacklogEntry
}

func (f fakeBacklog) Backlog(seq uint16) (streamer.BacklogEntry, streamer.BacklogState) {
	e, ok := f.entries[seq]
	if !ok {
		return streamer.BacklogEntry{}, streamer.BacklogEmpty
	}
	if e.Seq != seq {
		return streamer.BacklogEntry{}, streamer.BacklogStale
	}
	return e, streamer.BacklogHit
}

func newUDPPair(t *testing.T) (serverConn *net.UDPConn, clientAddr net.Addr, client *net.UDPConn) {
	t.Helper()

	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	cli, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })

	return server, cli.LocalAddr(), cli
}

func TestSendSyncFirstPacketCarriesMarkerAndHeadTs(t *testing.T) {
	server, addr, client := newUDPPair(t)

	ctrl := New(Config{
		Conn:       server,
		Addr:       addr,
		SampleRate: 44100,
		Latency:    0,
		Status:     fixedHead{ts: 1000},
		Backlog:    fakeBacklog{entries: map[uint16]streamer.BacklogEntry{}},
		Sane:       health.New(3),
	})

	// We only exercise sendSync directly to avoid a flaky 1s-ticker test.
	require.NoError(t, ctrl.sendSync(true))

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := client.ReadFrom(buf)
	require.NoError(t, err)

	pkt, err := wire.DecodeSyncPacket(buf[:n])
	require.NoError(t, err)
	require.True(t, pkt.First)
	require.Equal(t, uint32(1000), pkt.CurrTs)
}

func TestRetransmitRespondsHitEmptyStale(t *testing.T) {
	server, addr, client := newUDPPair(t)

	entries := map[uint16]streamer.BacklogEntry{
		5: {Seq: 5, Packet: []byte("packet-5")},
		7: {Seq: 99, Packet: []byte("stale")}, // lookup(7) sees a different stored seq
	}

	ctrl := New(Config{
		Conn:            server,
		Addr:            addr,
		SampleRate:      44100,
		Status:          fixedHead{ts: 0},
		Backlog:         fakeBacklog{entries: entries},
		Sane:            health.New(3),
		RetransmitRate:  1000,
		RetransmitBurst: 10,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Start(ctx)
	defer ctrl.Stop()

	lost := wire.LostRequest{FirstSeq: 5, Count: 3} // asks for 5 (hit), 6 (empty), 7 (stale)
	_, err := client.WriteTo(lost.Encode(), server.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 64)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := client.ReadFrom(buf)
	require.NoError(t, err)

	inner, err := wire.UnwrapRetransmit(buf[:n])
	require.NoError(t, err)
	require.Equal(t, "packet-5", string(inner))

	require.Eventually(t, func() bool {
		return ctrl.RetransmitCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRetransmitMalformedRequestIncrementsSane(t *testing.T) {
	server, addr, client := newUDPPair(t)

	sane := health.New(2)
	ctrl := New(Config{
		Conn:       server,
		Addr:       addr,
		SampleRate: 44100,
		Status:     fixedHead{ts: 0},
		Backlog:    fakeBacklog{entries: map[uint16]streamer.BacklogEntry{}},
		Sane:       sane,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Start(ctx)
	defer ctrl.Stop()

	_, err := client.WriteTo([]byte{0x01, 0x02}, server.LocalAddr())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sane.Snapshot().Ctrl >= 1
	}, time.Second, 10*time.Millisecond)
}
