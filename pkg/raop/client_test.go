package raop

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/raop-client/pkg/wire"
)

// fakeReceiver plays the RAOP server side: an RTSP listener plus bound
// audio/control/timing UDP sockets, enough to drive raop.Connect through a
// full handshake without a real AirPlay receiver.
type fakeReceiver struct {
	t *testing.T

	rtspListener net.Listener
	audioConn    *net.UDPConn
	controlConn  *net.UDPConn
	timingConn   *net.UDPConn
}

func newFakeReceiver(t *testing.T) *fakeReceiver {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	audio, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	control, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	timingConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	r := &fakeReceiver{t: t, rtspListener: ln, audioConn: audio, controlConn: control, timingConn: timingConn}
	t.Cleanup(r.close)
	return r
}

func (r *fakeReceiver) close() {
	r.rtspListener.Close()
	r.audioConn.Close()
	r.controlConn.Close()
	r.timingConn.Close()
}

func (r *fakeReceiver) addr() string {
	return r.rtspListener.Addr().String()
}

// serveHandshake accepts exactly one connection and answers OPTIONS,
// ANNOUNCE, SETUP (with a Transport header pointing at this receiver's
// bound UDP ports) and RECORD, then returns.
func (r *fakeReceiver) serveHandshake() {
	conn, err := r.rtspListener.Accept()
	require.NoError(r.t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)

	readRequest := func() (method string, headers map[string]string) {
		line, err := reader.ReadString('\n')
		require.NoError(r.t, err)
		parts := strings.Fields(strings.TrimSpace(line))
		require.GreaterOrEqual(r.t, len(parts), 1)

		headers = map[string]string{}
		for {
			hline, err := reader.ReadString('\n')
			require.NoError(r.t, err)
			hline = strings.TrimRight(hline, "\r\n")
			if hline == "" {
				break
			}
			idx := strings.IndexByte(hline, ':')
			require.GreaterOrEqual(r.t, idx, 0)
			headers[strings.TrimSpace(hline[:idx])] = strings.TrimSpace(hline[idx+1:])
		}

		if cl, ok := headers["Content-Length"]; ok && cl != "0" {
			var n int
			fmt.Sscanf(cl, "%d", &n)
			buf := make([]byte, n)
			_, err := reader.Read(buf)
			require.NoError(r.t, err)
		}

		return parts[0], headers
	}

	respond := func(extraHeaders ...string) {
		var b strings.Builder
		b.WriteString("RTSP/1.0 200 OK\r\n")
		for _, h := range extraHeaders {
			fmt.Fprintf(&b, "%s\r\n", h)
		}
		b.WriteString("\r\n")
		_, err := conn.Write([]byte(b.String()))
		require.NoError(r.t, err)
	}

	method, _ := readRequest()
	require.Equal(r.t, "OPTIONS", method)
	respond()

	method, _ = readRequest()
	require.Equal(r.t, "ANNOUNCE", method)
	respond()

	method, _ = readRequest()
	require.Equal(r.t, "SETUP", method)
	transport := fmt.Sprintf(
		"RTP/AVP/UDP;unicast;mode=record;server_port=%d;control_port=%d;timing_port=%d",
		r.audioConn.LocalAddr().(*net.UDPAddr).Port,
		r.controlConn.LocalAddr().(*net.UDPAddr).Port,
		r.timingConn.LocalAddr().(*net.UDPAddr).Port,
	)
	respond("Session: FAKE-SESSION", "Transport: "+transport)

	method, headers := readRequest()
	require.Equal(r.t, "RECORD", method)
	require.Equal(r.t, "FAKE-SESSION", headers["Session"])
	respond()
}

func TestConnectPerformsFullHandshakeAndStreams(t *testing.T) {
	receiver := newFakeReceiver(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		receiver.serveHandshake()
	}()

	client, err := Connect(context.Background(), Config{
		PeerAddr:   receiver.addr(),
		SampleRate: 44100,
	})
	require.NoError(t, err)
	defer client.Teardown()

	<-done

	require.NoError(t, client.SendChunk(context.Background(), make([]byte, 64)))

	buf := make([]byte, 2048)
	receiver.audioConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := receiver.audioConn.ReadFrom(buf)
	require.NoError(t, err)

	pkt, err := wire.DecodeAudioPacket(buf[:n])
	require.NoError(t, err)
	require.Equal(t, uint16(0), pkt.Seq)
	require.True(t, pkt.Marker)

	require.True(t, client.Healthy())
}

func TestConnectFailsOnUnreachablePeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Connect(context.Background(), Config{PeerAddr: addr})
	require.Error(t, err)
}
