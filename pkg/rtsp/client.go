// Package rtsp implements the RAOP RTSP client: a text-framed
// request/response protocol over a single persistent TCP connection,
// resembling HTTP/1.1 but using RAOP's method tokens and an "RTSP/1.0"
// status line. See SPEC_FULL.md §4.1.
//
// Grounded in the teacher's pkg/rtsp/client.go (request/response framing
// over bufio.Reader, write-mutex protecting concurrent writers) and in
// original_source/src/rtsp_client.rs for the exact header-ordering and
// pairing-extension semantics the teacher's RTSP client does not need.
package rtsp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ethan/raop-client/pkg/raopcrypto"
)

// ErrProtocolFailure is SPEC_FULL.md's ProtocolFailure error kind: the
// RTSP status code was not 200, or a required header was missing.
var ErrProtocolFailure = errors.New("rtsp: protocol failure")

// ErrTransport is SPEC_FULL.md's TransportError kind: the TCP connection
// failed outright.
var ErrTransport = errors.New("rtsp: transport failure")

// ProtocolError carries the status code and reason phrase of a failed
// request, so callers can errors.As into it.
type ProtocolError struct {
	Code   int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rtsp: status %d %s", e.Code, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocolFailure }

// body is the tagged Text|Blob|None variant from SPEC_FULL.md §4.1 and
// §9's "dynamic dispatch" design note.
type bodyKind int

const (
	bodyNone bodyKind = iota
	bodyText
	bodyBlob
)

type body struct {
	kind        bodyKind
	contentType string
	text        string
	blob        []byte
}

func (b body) length() int {
	switch b.kind {
	case bodyText:
		return len(b.text)
	case bodyBlob:
		return len(b.blob)
	default:
		return 0
	}
}

// Client is a connected RAOP RTSP session.
type Client struct {
	Session
	conn   net.Conn
	reader *bufio.Reader
	log    zerolog.Logger

	writeMu sync.Mutex
}

// Dial opens the TCP connection and builds the session URL as
// rtsp://<peer-ip>/<sid>, matching the original's use of the resolved
// peer address rather than the caller-supplied host string.
func Dial(addr, sid, userAgent string, persistent []Field, logger *zerolog.Logger) (*Client, error) {
	l := log.Logger
	if logger != nil {
		l = *logger
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, addr, err)
	}

	peerIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		peerIP = conn.RemoteAddr().String()
	}

	c := &Client{
		Session: Session{
			URL:       fmt.Sprintf("rtsp://%s/%s", peerIP, sid),
			UserAgent: userAgent,
			headers:   append([]Field(nil), persistent...),
		},
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 32*1024),
		log:    l.With().Str("component", "rtsp").Logger(),
	}

	c.log.Info().Str("url", c.URL).Msg("connected to RTSP peer")
	return c, nil
}

// LocalIP returns the local address of the underlying TCP connection, used
// to build the ANNOUNCE SDP's o= line.
func (c *Client) LocalIP() net.IP {
	host, _, err := net.SplitHostPort(c.conn.LocalAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// Options sends "OPTIONS *".
func (c *Client) Options() error {
	_, _, err := c.exec("OPTIONS", "*", body{}, nil)
	return err
}

// AnnounceSDP sends ANNOUNCE with an application/sdp body.
func (c *Client) AnnounceSDP(sdp string) error {
	_, _, err := c.exec("ANNOUNCE", "", body{kind: bodyText, contentType: "application/sdp", text: sdp}, nil)
	return err
}

// Setup sends SETUP with the given control/timing ports and stores the
// resulting session token. Absence of a Session header in the response is
// a hard failure.
func (c *Client) Setup(controlPort, timingPort uint16) ([]Field, error) {
	transport := fmt.Sprintf("RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=%d;timing_port=%d", controlPort, timingPort)
	headers, _, err := c.exec("SETUP", "", body{}, []Field{{Key: "Transport", Value: transport}})
	if err != nil {
		return nil, err
	}

	token := findHeader(headers, "Session")
	if token == "" {
		return nil, fmt.Errorf("%w: SETUP response missing Session header", ErrProtocolFailure)
	}
	c.token = token

	return headers, nil
}

// Record sends RECORD with the starting sequence number and timestamp.
func (c *Client) Record(startSeq uint16, startTs uint64) ([]Field, error) {
	info := fmt.Sprintf("seq=%d;rtptime=%d", startSeq, startTs)
	headers, _, err := c.exec("RECORD", "", body{}, []Field{
		{Key: "Range", Value: "npt=0-"},
		{Key: "RTP-Info", Value: info},
	})
	return headers, err
}

// SetParameter sends SET_PARAMETER with a text/parameters body (used for
// volume control: "volume: <value>\r\n").
func (c *Client) SetParameter(text string) error {
	_, _, err := c.exec("SET_PARAMETER", "", body{kind: bodyText, contentType: "text/parameters", text: text}, nil)
	return err
}

// SetMetaData sends SET_PARAMETER with a binary DAAP/DMAP body.
func (c *Client) SetMetaData(ts uint64, data []byte) error {
	rtpInfo := fmt.Sprintf("rtptime=%d", ts)
	_, _, err := c.exec("SET_PARAMETER", "", body{kind: bodyBlob, contentType: "application/x-dmap-tagged", blob: data}, []Field{
		{Key: "RTP-Info", Value: rtpInfo},
	})
	return err
}

// Flush sends FLUSH for the given sequence number/timestamp.
func (c *Client) Flush(seq uint16, ts uint64) error {
	info := fmt.Sprintf("seq=%d;rtptime=%d", seq, ts)
	_, _, err := c.exec("FLUSH", "", body{}, []Field{{Key: "RTP-Info", Value: info}})
	return err
}

// Teardown sends TEARDOWN and closes the connection. Per SPEC_FULL.md §3's
// lifecycle note, this must be attempted even on error paths; the
// connection is closed regardless of whether the request itself succeeds.
func (c *Client) Teardown() error {
	_, _, err := c.exec("TEARDOWN", "", body{}, nil)
	closeErr := c.conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// PairVerify runs the two-step Apple-TV pair-verify handshake described in
// SPEC_FULL.md §4.1.
func (c *Client) PairVerify(secretHex string) error {
	id, err := raopcrypto.DeriveIdentity(secretHex)
	if err != nil {
		return err
	}

	step1Body, verifyPub, verifySecret, err := raopcrypto.PairVerifyStep1(id)
	if err != nil {
		return err
	}

	_, resp1, err := c.exec("POST", "/pair-verify", body{kind: bodyBlob, contentType: "application/octet-stream", blob: step1Body}, nil)
	if err != nil {
		c.log.Error().Err(err).Msg("pair-verify step 1 failed (pair again)")
		return err
	}

	step2Body, err := raopcrypto.PairVerifyStep2(id, verifySecret, verifyPub, resp1)
	if err != nil {
		return err
	}

	_, _, err = c.exec("POST", "/pair-verify", body{kind: bodyBlob, contentType: "application/octet-stream", blob: step2Body}, nil)
	if err != nil {
		c.log.Error().Err(err).Msg("pair-verify step 2 failed (pair again)")
		return err
	}

	return nil
}

// AuthSetup runs the auth-setup POST.
func (c *Client) AuthSetup() error {
	reqBody, err := raopcrypto.AuthSetupBody()
	if err != nil {
		return err
	}

	_, _, err = c.exec("POST", "/auth-setup", body{kind: bodyBlob, contentType: "application/octet-stream", blob: reqBody}, nil)
	if err != nil {
		c.log.Error().Err(err).Msg("auth-setup failed")
	}
	return err
}

// exec encodes and sends one request, then reads and parses its response.
// url, when empty, defaults to the session URL (rule 1 of §4.1).
func (c *Client) exec(method, url string, b body, callerHeaders []Field) ([]Field, []byte, error) {
	if url == "" {
		url = c.URL
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%s %s RTSP/1.0\r\n", method, url)

	for _, h := range callerHeaders {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Key, h.Value)
	}

	if b.kind != bodyNone {
		fmt.Fprintf(&buf, "Content-Type: %s\r\n", b.contentType)
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", b.length())
	}

	cseq := c.nextCSeq()
	fmt.Fprintf(&buf, "CSeq: %d\r\n", cseq)
	fmt.Fprintf(&buf, "User-Agent: %s\r\n", c.UserAgent)

	for _, h := range c.headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Key, h.Value)
	}

	if c.token != "" {
		fmt.Fprintf(&buf, "Session: %s\r\n", c.token)
	}

	buf.WriteString("\r\n")

	if b.kind == bodyText {
		buf.WriteString(b.text)
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return nil, nil, fmt.Errorf("%w: set write deadline: %v", ErrTransport, err)
	}

	if _, err := c.conn.Write([]byte(buf.String())); err != nil {
		return nil, nil, fmt.Errorf("%w: write request: %v", ErrTransport, err)
	}
	if b.kind == bodyBlob {
		if _, err := c.conn.Write(b.blob); err != nil {
			return nil, nil, fmt.Errorf("%w: write body: %v", ErrTransport, err)
		}
	}

	c.log.Debug().Str("method", method).Str("url", url).Uint64("cseq", cseq).Msg("sent RTSP request")

	headers, respBody, err := c.readResponse()
	if err != nil {
		return nil, nil, err
	}

	return headers, respBody, nil
}

func (c *Client) readResponse() ([]Field, []byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(15 * time.Second)); err != nil {
		return nil, nil, fmt.Errorf("%w: set read deadline: %v", ErrTransport, err)
	}

	statusLine, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read status line: %v", ErrTransport, err)
	}

	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 {
		return nil, nil, fmt.Errorf("%w: malformed status line %q", ErrProtocolFailure, statusLine)
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: malformed status code %q", ErrProtocolFailure, parts[1])
	}

	reason := ""
	if len(parts) == 3 {
		reason = strings.TrimSpace(parts[2])
	}

	var headers []Field
	contentLength := 0
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, nil, fmt.Errorf("%w: read header: %v", ErrTransport, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		headers = append(headers, Field{Key: key, Value: value})

		if strings.EqualFold(key, "Content-Length") {
			contentLength, _ = strconv.Atoi(value)
		}
	}

	var respBody []byte
	if contentLength > 0 {
		respBody = make([]byte, contentLength)
		if _, err := io.ReadFull(c.reader, respBody); err != nil {
			return nil, nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
		}
	}

	if code != 200 {
		return nil, nil, fmt.Errorf("%w: %w", ErrProtocolFailure, &ProtocolError{Code: code, Reason: reason})
	}

	return headers, respBody, nil
}

// findHeader returns the first value for key, case-insensitive, or "".
func findHeader(headers []Field, key string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value
		}
	}
	return ""
}
