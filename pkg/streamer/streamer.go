// Package streamer implements the RAOP transmit pipeline: a timed pacing
// loop that frames PCM into ALAC, optionally encrypts it, builds an audio
// RTP packet, records it in a retransmission ring, and sends it on the
// audio UDP socket.
//
// Grounded in the teacher's pkg/bridge/pacer.go (timestamp-delta-to-
// wall-clock-delay pacing, a stats-struct-behind-a-mutex pattern) adapted
// from a channel-driven per-track pacer to SPEC_FULL.md §4.2's single
// blocking SendChunk call with the spec's explicit
// start_time + (head_ts-first_ts)/rate - lookahead formula.
package streamer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethan/raop-client/pkg/ntp"
	"github.com/ethan/raop-client/pkg/raopcrypto"
	"github.com/ethan/raop-client/pkg/wire"
)

// MuteVolume is the sentinel volume level meaning "muted", passed through
// SetVolume unclamped. Matches the original's float volume convention.
const MuteVolume = -144.0

// Config bundles the construction-time parameters for a Streamer.
type Config struct {
	Conn           net.PacketConn
	Addr           net.Addr
	SampleRate     ntp.SampleRate
	FramesPerChunk ntp.Frames
	QueueLookahead time.Duration
	SSRC           uint32
	Encoder        Encoder
	Cipher         *raopcrypto.PayloadCipher // nil disables payload encryption
	SetParameter   func(string) error        // wired to rtsp.Client.SetParameter, for volume
	Logger         zerolog.Logger
}

// Streamer owns the audio send loop. One goroutine is expected to call
// SendChunk serially; concurrent callers would race the pacing/advance
// logic in ways the status mutex does not protect against (only the shared
// read side — backlog lookups from the sync controller — is safe to call
// concurrently with SendChunk).
type Streamer struct {
	status status

	conn           net.PacketConn
	addr           net.Addr
	rate           ntp.SampleRate
	framesPerChunk ntp.Frames
	queueLookahead time.Duration
	ssrc           uint32

	encoder      Encoder
	cipher       *raopcrypto.PayloadCipher
	setParameter func(string) error

	startTime time.Time
	log       zerolog.Logger
}

// New builds a Streamer. Call Start before the first SendChunk.
func New(cfg Config) *Streamer {
	encoder := cfg.Encoder
	if encoder == nil {
		encoder = PassthroughEncoder{}
	}

	return &Streamer{
		conn:           cfg.Conn,
		addr:           cfg.Addr,
		rate:           cfg.SampleRate,
		framesPerChunk: cfg.FramesPerChunk,
		queueLookahead: cfg.QueueLookahead,
		ssrc:           cfg.SSRC,
		encoder:        encoder,
		cipher:         cfg.Cipher,
		setParameter:   cfg.SetParameter,
		log:            cfg.Logger.With().Str("component", "streamer").Logger(),
	}
}

// Start establishes the playback timeline at firstTs, matching the RTP
// start timestamp negotiated in RECORD.
func (s *Streamer) Start(firstTs ntp.Frames) {
	s.startTime = time.Now()
	s.status.start(firstTs)
	s.log.Info().Uint64("first_ts", uint64(firstTs)).Msg("streamer started")
}

// Pause stops production; SYNC announcements and the retransmit responder
// keep running independently of this flag (neither reads it).
func (s *Streamer) Pause() {
	s.status.setPlaying(false)
}

// Resume resumes production from the current head timestamp.
func (s *Streamer) Resume() {
	s.status.setPlaying(true)
}

// SetVolume sends SET_PARAMETER with the clamped volume level. Levels other
// than MuteVolume are clamped to [-30.0, 0.0], matching the original's
// set_volume behavior.
func (s *Streamer) SetVolume(level float64) error {
	if level != MuteVolume {
		if level > 0 {
			level = 0
		}
		if level < -30 {
			level = -30
		}
	}
	return s.setParameter(fmt.Sprintf("volume: %f\r\n", level))
}

// Flush zeroes every backlog slot in [fromSeq, fromSeq+count), sets
// pause_ts to the current head, and arms the marker bit for the next
// packet sent after the flush.
func (s *Streamer) Flush(fromSeq, count uint16) {
	s.status.flush(fromSeq, count)
}

// HeadTimestamp returns the current head timestamp, read by the sync
// controller under the same lock that guards the streamer's own writes.
func (s *Streamer) HeadTimestamp() ntp.Frames {
	return s.status.headTimestamp()
}

// Backlog looks up the packet stored for seq, for the retransmit
// responder. Safe to call concurrently with SendChunk.
func (s *Streamer) Backlog(seq uint16) (BacklogEntry, BacklogState) {
	return s.status.lookupBacklog(seq)
}

// SendChunk runs one pass of SPEC_FULL.md §4.2's internal loop for a single
// fixed-size chunk of interleaved PCM samples: wait for the pacing
// deadline, encode, optionally encrypt, build and record the RTP packet,
// send it, then advance the sequence/timestamp. Returns immediately,
// without sending, if the streamer is paused.
func (s *Streamer) SendChunk(ctx context.Context, pcm []byte) error {
	headTs, firstTs, seq, marker, playing := s.status.snapshot()
	if !playing {
		return nil
	}

	if err := s.waitForPacingDeadline(ctx, headTs, firstTs); err != nil {
		return err
	}

	payload, err := s.encoder.Encode(pcm)
	if err != nil {
		return fmt.Errorf("streamer: encode chunk: %w", err)
	}

	if s.cipher != nil {
		payload = s.cipher.Encrypt(payload)
	}

	pkt := wire.AudioPacket{
		Marker:  marker,
		Seq:     seq,
		Ts:      uint32(headTs),
		SSRC:    s.ssrc,
		Payload: payload,
	}
	raw, err := pkt.Encode()
	if err != nil {
		return fmt.Errorf("streamer: build RTP packet: %w", err)
	}

	// Backlog write happens before the send so the retransmit path can
	// never observe a stale entry for this seq.
	s.status.storeBacklog(seq, headTs, raw)

	if err := s.sendWithRetry(ctx, raw); err != nil {
		return err
	}

	s.status.advance(seq, headTs, s.framesPerChunk)

	return nil
}

// waitForPacingDeadline blocks until wall-clock reaches
// start_time + (head_ts-first_ts)/rate - queue_lookahead, or ctx is
// cancelled.
func (s *Streamer) waitForPacingDeadline(ctx context.Context, headTs, firstTs ntp.Frames) error {
	elapsed := time.Duration(float64(headTs-firstTs) / float64(s.rate) * float64(time.Second))
	deadline := s.startTime.Add(elapsed - s.queueLookahead)

	wait := time.Until(deadline)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendWithRetry sends raw on the audio socket. Per SPEC_FULL.md §4.2's
// edge case, a would-block error is waited out rather than treated as a
// dropped packet.
func (s *Streamer) sendWithRetry(ctx context.Context, raw []byte) error {
	for {
		_, err := s.conn.WriteTo(raw, s.addr)
		if err == nil {
			return nil
		}

		var netErr net.Error
		if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
			select {
			case <-time.After(5 * time.Millisecond):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return fmt.Errorf("streamer: send audio packet: %w", err)
	}
}

func asNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if !ok {
		return false
	}
	*target = ne
	return true
}
