// Package timing implements the timing responder from SPEC_FULL.md §4.4:
// it owns the timing UDP socket and echoes each 32-byte NTP-style request
// with a response timestamped at receive and (again) at send.
package timing

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethan/raop-client/pkg/health"
	"github.com/ethan/raop-client/pkg/ntp"
	"github.com/ethan/raop-client/pkg/wire"
)

// Responder answers timing requests on its own goroutine until Stop.
//
// Grounded in the teacher's pkg/bridge/pacer.go Start/Stop
// (context.WithCancel + sync.WaitGroup) applied to a single receive loop
// instead of a pair of pacer loops, since the timing responder has no
// periodic send side of its own.
type Responder struct {
	conn net.PacketConn
	sane *health.Sane
	log  zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Responder bound to conn.
func New(conn net.PacketConn, sane *health.Sane, logger zerolog.Logger) *Responder {
	return &Responder{
		conn: conn,
		sane: sane,
		log:  logger.With().Str("component", "timing").Logger(),
	}
}

// Start launches the receive loop.
func (r *Responder) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx)
	}()

	r.log.Info().Msg("timing responder started")
}

// Stop cancels the receive loop and waits for it to exit.
func (r *Responder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info().Msg("timing responder stopped")
}

func (r *Responder) loop(ctx context.Context) {
	buf := make([]byte, 64)

	for {
		if ctx.Err() != nil {
			return
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(1 * time.Second))

		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
				continue
			}
			r.log.Error().Err(err).Msg("timing socket read failed")
			continue
		}

		req, err := wire.DecodeTimingPacket(buf[:n])
		if err != nil {
			r.sane.Fail(health.Timing)
			r.log.Error().Err(err).Msg("malformed timing request")
			continue
		}
		r.sane.Reset(health.Timing)

		resp := wire.TimingPacket{
			Origin:   req.Transmit,
			Receive:  ntp.Now(),
			Transmit: ntp.Now(),
		}

		if _, err := r.conn.WriteTo(resp.Encode(), addr); err != nil {
			r.log.Error().Err(err).Msg("timing response send failed")
		}
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
