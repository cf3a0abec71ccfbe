// Package syncctl implements the control-channel pair from SPEC_FULL.md
// §4.3: a 1-second SYNC emitter and a LOST-REQUEST retransmit responder,
// both running under one cancellation scope.
//
// Grounded in original_source/src/sync_controller.rs's SyncController
// (split send/recv halves behind a shared mutex, one AbortHandle for both
// tasks) adapted from Rust's Abortable/join to the teacher's
// context.WithCancel + sync.WaitGroup idiom from pkg/bridge/pacer.go's
// Start/Stop.
package syncctl

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ethan/raop-client/pkg/health"
	"github.com/ethan/raop-client/pkg/ntp"
	"github.com/ethan/raop-client/pkg/streamer"
	"github.com/ethan/raop-client/pkg/wire"
)

// HeadTimestamper is the read side of the streamer's position the emitter
// needs.
type HeadTimestamper interface {
	HeadTimestamp() ntp.Frames
}

// Backlog is the read side of the streamer's retransmission ring the
// retransmit responder needs. streamer.Streamer satisfies this directly.
type Backlog interface {
	Backlog(seq uint16) (streamer.BacklogEntry, streamer.BacklogState)
}

// Config bundles the construction-time parameters for a Controller.
type Config struct {
	Conn       net.PacketConn
	Addr       net.Addr
	SampleRate ntp.SampleRate
	Latency    ntp.Frames
	Status     HeadTimestamper
	Backlog    Backlog
	Sane       *health.Sane

	// RetransmitRate bounds how fast the responder answers LOST-REQUESTs,
	// so an adversarial flood of requests cannot monopolize the control
	// socket. Domain-stack addition on top of SPEC_FULL.md §4.3 — does not
	// change any invariant, only caps response throughput.
	RetransmitRate  rate.Limit
	RetransmitBurst int

	Logger zerolog.Logger
}

// Controller runs the emitter and retransmit responder under one
// cancellation scope.
type Controller struct {
	conn    net.PacketConn
	addr    net.Addr
	rate    ntp.SampleRate
	latency ntp.Frames
	status  HeadTimestamper
	backlog Backlog
	sane    *health.Sane
	limiter *rate.Limiter
	log     zerolog.Logger

	sendMu sync.Mutex

	retransmitCount uint64
	countMu         sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Controller. Call Start to launch its goroutines.
func New(cfg Config) *Controller {
	burst := cfg.RetransmitBurst
	if burst <= 0 {
		burst = 1
	}
	limit := cfg.RetransmitRate
	if limit <= 0 {
		limit = 50
	}

	return &Controller{
		conn:    cfg.Conn,
		addr:    cfg.Addr,
		rate:    cfg.SampleRate,
		latency: cfg.Latency,
		status:  cfg.Status,
		backlog: cfg.Backlog,
		sane:    cfg.Sane,
		limiter: rate.NewLimiter(limit, burst),
		log:     cfg.Logger.With().Str("component", "syncctl").Logger(),
	}
}

// Start launches the emitter and retransmit responder goroutines, sharing
// one cancellation scope with Stop.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.emitLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.retransmitLoop(ctx)
	}()

	c.log.Info().Msg("sync controller started")
}

// Stop cancels both goroutines and waits for them to exit.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.log.Info().Msg("sync controller stopped")
}

// RetransmitCount returns the number of retransmissions sent so far.
func (c *Controller) RetransmitCount() uint64 {
	c.countMu.Lock()
	defer c.countMu.Unlock()
	return c.retransmitCount
}

// emitLoop sends a SYNC packet immediately (marked "first") and then every
// second thereafter, until ctx is cancelled.
func (c *Controller) emitLoop(ctx context.Context) {
	if err := c.sendSync(true); err != nil {
		c.log.Error().Err(err).Msg("initial sync send failed")
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendSync(false); err != nil {
				c.log.Error().Err(err).Msg("sync send failed")
			}
		}
	}
}

// sendSync snapshots head_ts under the status's own lock (via
// HeadTimestamp, implemented by streamer.Streamer), builds the SYNC
// packet, and sends — the status lock is released before the I/O call;
// only sendMu, which serializes writers on the control socket, is held
// across it.
func (c *Controller) sendSync(first bool) error {
	headTs := c.status.HeadTimestamp()

	pkt := wire.SyncPacket{
		First:  first,
		RefTs:  uint32(headTs) - uint32(c.latency),
		Now:    ntp.Now(),
		CurrTs: uint32(headTs),
	}
	raw := pkt.Encode()

	c.sendMu.Lock()
	n, err := c.conn.WriteTo(raw, c.addr)
	c.sendMu.Unlock()
	if err != nil {
		return err
	}
	if n == 0 {
		c.log.Info().Msg("sync write returned 0 bytes, peer may have disconnected")
	}

	c.log.Debug().Uint32("ref_ts", pkt.RefTs).Uint32("curr_ts", pkt.CurrTs).Msg("sent sync")
	return nil
}

// retransmitLoop blocks on LOST-REQUEST packets and answers each from the
// backlog, per SPEC_FULL.md §4.3's three-way outcome.
func (c *Controller) retransmitLoop(ctx context.Context) {
	buf := make([]byte, 64)

	for {
		if ctx.Err() != nil {
			return
		}

		deadline := time.Now().Add(1 * time.Second)
		if pc, ok := c.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = pc.SetReadDeadline(deadline)
		}

		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
				continue
			}
			c.log.Error().Err(err).Msg("control socket read failed")
			continue
		}

		lost, err := wire.DecodeLostRequest(buf[:n])
		if err != nil {
			c.sane.Fail(health.Ctrl)
			c.log.Error().Err(err).Msg("malformed lost-packet request")
			continue
		}
		c.sane.Reset(health.Ctrl)

		c.serviceLostRequest(ctx, lost)
	}
}

func (c *Controller) serviceLostRequest(ctx context.Context, lost wire.LostRequest) {
	missed := 0

	for i := uint16(0); i < lost.Count; i++ {
		seq := lost.FirstSeq + i

		entry, state := c.backlog.Backlog(seq)
		switch state {
		case streamer.BacklogHit:
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			if err := c.retransmit(entry.Packet); err != nil {
				c.log.Error().Err(err).Uint16("seq", seq).Msg("retransmit send failed")
				continue
			}
			c.countMu.Lock()
			c.retransmitCount++
			c.countMu.Unlock()
		case streamer.BacklogEmpty:
			missed++
			c.log.Debug().Uint16("seq", seq).Msg("packet released; missed")
		case streamer.BacklogStale:
			c.log.Warn().Uint16("seq", seq).Msg("lost packet out of backlog")
		}
	}

	c.log.Debug().Uint16("first_seq", lost.FirstSeq).Uint16("count", lost.Count).Int("missed", missed).Msg("serviced retransmit request")
}

func (c *Controller) retransmit(packet []byte) error {
	wrapped := wire.WrapRetransmit(packet)

	c.sendMu.Lock()
	_, err := c.conn.WriteTo(wrapped, c.addr)
	c.sendMu.Unlock()
	return err
}

func asNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if !ok {
		return false
	}
	*target = ne
	return true
}
