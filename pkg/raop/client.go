// Package raop wires the RTSP client, streamer, sync controller, and
// timing responder into one session with a single Connect/Teardown
// lifecycle, per SPEC_FULL.md §4.8 / §3's "Lifecycles" note that abort
// handles for background tasks are owned by the top-level client.
//
// Grounded in the teacher's cmd/relay/main.go wiring style: construct
// components in order, start background goroutines, and tear everything
// down in reverse order on exit.
package raop

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ethan/raop-client/pkg/health"
	"github.com/ethan/raop-client/pkg/ntp"
	"github.com/ethan/raop-client/pkg/raopcrypto"
	"github.com/ethan/raop-client/pkg/rtsp"
	"github.com/ethan/raop-client/pkg/streamer"
	"github.com/ethan/raop-client/pkg/syncctl"
	"github.com/ethan/raop-client/pkg/timing"
)

// Config is everything a caller supplies to Connect.
type Config struct {
	PeerAddr       string // "host:port" of the RTSP server
	UserAgent      string
	SampleRate     ntp.SampleRate
	FramesPerChunk ntp.Frames
	Latency        ntp.Frames
	QueueLookahead time.Duration

	// PairingSecretHex, when non-empty, triggers AuthSetup + PairVerify
	// before ANNOUNCE. Matches the original's "pair_verify is optional".
	PairingSecretHex string

	// Encrypted enables the rsaaeskey/aesiv SDP attributes and AES-128-CBC
	// payload encryption. AESKey/AESIV must be 16 bytes each when set.
	Encrypted bool
	AESKey    []byte
	AESIV     []byte

	Encoder streamer.Encoder // nil uses streamer.PassthroughEncoder

	SaneThreshold int

	// Logger defaults to the global zerolog logger when nil, matching
	// rtsp.Dial's convention.
	Logger *zerolog.Logger
}

// Client is a connected RAOP session: RTSP control connection plus the
// three background UDP components.
type Client struct {
	cfg Config
	log zerolog.Logger

	rtspClient *rtsp.Client
	streamer   *streamer.Streamer
	syncCtl    *syncctl.Controller
	timingResp *timing.Responder
	sane       *health.Sane

	audioConn   *net.UDPConn
	controlConn *net.UDPConn
	timingConn  *net.UDPConn

	cancel context.CancelFunc
}

// Connect performs the full RAOP handshake (OPTIONS, optional pairing,
// ANNOUNCE, SETUP, RECORD) and starts the sync controller and timing
// responder. On any error it tears down whatever was already opened.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 44100
	}
	if cfg.FramesPerChunk == 0 {
		cfg.FramesPerChunk = 352
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "iTunes/7.6.2 (Windows; N;)"
	}

	baseLogger := zlog.Logger
	if cfg.Logger != nil {
		baseLogger = *cfg.Logger
	}
	log := baseLogger.With().Str("component", "raop").Logger()
	sane := health.New(cfg.SaneThreshold)

	sid := uuid.New().String()[:8]
	rtspClient, err := rtsp.Dial(cfg.PeerAddr, sid, cfg.UserAgent, nil, &log)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, log: log, rtspClient: rtspClient, sane: sane}

	if err := c.handshake(ctx); err != nil {
		c.Teardown()
		return nil, err
	}

	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	if err := c.rtspClient.Options(); err != nil {
		return err
	}

	if c.cfg.PairingSecretHex != "" {
		if err := c.rtspClient.AuthSetup(); err != nil {
			return err
		}
		if err := c.rtspClient.PairVerify(c.cfg.PairingSecretHex); err != nil {
			return err
		}
	}

	peerHost, _, err := net.SplitHostPort(c.cfg.PeerAddr)
	if err != nil {
		peerHost = c.cfg.PeerAddr
	}
	peerIP := net.ParseIP(peerHost)

	audioConn, controlConn, timingConn, err := openLocalSockets()
	if err != nil {
		return err
	}
	c.audioConn = audioConn
	c.controlConn = controlConn
	c.timingConn = timingConn

	sdp, err := rtsp.BuildAnnounceSDP(rtsp.SDPParams{
		SessionID:  randomSessionID(),
		LocalIP:    c.rtspClient.LocalIP(),
		PeerIP:     peerIP,
		SampleRate: int(c.cfg.SampleRate),
		Encrypted:  c.cfg.Encrypted,
		AESKey:     c.cfg.AESKey,
		AESIV:      c.cfg.AESIV,
	})
	if err != nil {
		return err
	}
	if err := c.rtspClient.AnnounceSDP(sdp); err != nil {
		return err
	}

	headers, err := c.rtspClient.Setup(localPort(controlConn), localPort(timingConn))
	if err != nil {
		return err
	}

	transport := findHeader(headers, "Transport")
	serverPort, serverControlPort, serverTimingPort, err := parseTransportPorts(transport)
	if err != nil {
		return err
	}

	audioAddr := &net.UDPAddr{IP: peerIP, Port: serverPort}
	controlAddr := &net.UDPAddr{IP: peerIP, Port: serverControlPort}
	// The timing responder replies to whatever source address each
	// request arrives from, so the server's timing port (parsed above for
	// validation) doesn't need to be dialed in advance.
	_ = serverTimingPort

	if _, err := c.rtspClient.Record(0, 0); err != nil {
		return err
	}

	var cipher *raopcrypto.PayloadCipher
	if c.cfg.Encrypted {
		cipher, err = raopcrypto.NewPayloadCipher(c.cfg.AESKey)
		if err != nil {
			return err
		}
	}

	c.streamer = streamer.New(streamer.Config{
		Conn:           c.audioConn,
		Addr:           audioAddr,
		SampleRate:     c.cfg.SampleRate,
		FramesPerChunk: c.cfg.FramesPerChunk,
		QueueLookahead: c.cfg.QueueLookahead,
		SSRC:           randomSSRC(),
		Encoder:        c.cfg.Encoder,
		Cipher:         cipher,
		SetParameter:   c.rtspClient.SetParameter,
		Logger:         c.log,
	})
	c.streamer.Start(0)

	c.syncCtl = syncctl.New(syncctl.Config{
		Conn:            c.controlConn,
		Addr:            controlAddr,
		SampleRate:      c.cfg.SampleRate,
		Latency:         c.cfg.Latency,
		Status:          c.streamer,
		Backlog:         c.streamer,
		Sane:            c.sane,
		RetransmitRate:  rate.Limit(50),
		RetransmitBurst: 10,
		Logger:          c.log,
	})

	c.timingResp = timing.New(c.timingConn, c.sane, c.log)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.syncCtl.Start(runCtx)
	c.timingResp.Start(runCtx)

	return nil
}

// SendChunk streams one chunk of PCM, per streamer.Streamer.SendChunk.
func (c *Client) SendChunk(ctx context.Context, pcm []byte) error {
	return c.streamer.SendChunk(ctx, pcm)
}

// Pause/Resume/SetVolume/Flush delegate to the streamer.
func (c *Client) Pause()  { c.streamer.Pause() }
func (c *Client) Resume() { c.streamer.Resume() }

func (c *Client) SetVolume(v float64) error { return c.streamer.SetVolume(v) }

func (c *Client) Flush(seq uint16, ts uint64) error {
	if err := c.rtspClient.Flush(seq, ts); err != nil {
		return err
	}
	c.streamer.Flush(seq, 1)
	return nil
}

// Healthy reports whether every sane counter is below its trip threshold.
func (c *Client) Healthy() bool { return c.sane.Healthy() }

// Teardown stops the background goroutines, sends TEARDOWN, and closes
// every socket. Attempted even if parts of the session never finished
// connecting, matching SPEC_FULL.md §3's lifecycle note.
func (c *Client) Teardown() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.syncCtl != nil {
		c.syncCtl.Stop()
	}
	if c.timingResp != nil {
		c.timingResp.Stop()
	}

	var firstErr error
	if c.rtspClient != nil {
		if err := c.rtspClient.Teardown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, conn := range []*net.UDPConn{c.audioConn, c.controlConn, c.timingConn} {
		if conn != nil {
			conn.Close()
		}
	}

	return firstErr
}

func openLocalSockets() (audio, control, timingConn *net.UDPConn, err error) {
	audio, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("raop: open audio socket: %w", err)
	}
	control, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		audio.Close()
		return nil, nil, nil, fmt.Errorf("raop: open control socket: %w", err)
	}
	timingConn, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		audio.Close()
		control.Close()
		return nil, nil, nil, fmt.Errorf("raop: open timing socket: %w", err)
	}
	return audio, control, timingConn, nil
}

func localPort(conn *net.UDPConn) uint16 {
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

func randomSessionID() uint64 {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint64(buf[:])
}

func randomSSRC() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

func findHeader(headers []rtsp.Field, key string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value
		}
	}
	return ""
}

// parseTransportPorts extracts server_port, control_port and timing_port
// from a SETUP response's Transport header, e.g.
// "RTP/AVP/UDP;unicast;server_port=6000;control_port=6001;timing_port=6002".
func parseTransportPorts(transport string) (serverPort, controlPort, timingPort int, err error) {
	ports := map[string]int{}
	for _, field := range strings.Split(transport, ";") {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		n, convErr := strconv.Atoi(strings.TrimSpace(kv[1]))
		if convErr != nil {
			continue
		}
		ports[strings.TrimSpace(kv[0])] = n
	}

	serverPort, ok := ports["server_port"]
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: SETUP Transport header missing server_port", rtsp.ErrProtocolFailure)
	}
	controlPort, ok = ports["control_port"]
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: SETUP Transport header missing control_port", rtsp.ErrProtocolFailure)
	}
	timingPort, ok = ports["timing_port"]
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: SETUP Transport header missing timing_port", rtsp.ErrProtocolFailure)
	}

	return serverPort, controlPort, timingPort, nil
}
