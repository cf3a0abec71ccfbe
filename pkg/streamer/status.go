package streamer

import (
	"sync"

	"github.com/ethan/raop-client/pkg/ntp"
)

// MaxBacklog is the retransmission ring buffer's fixed capacity, a power of
// two so seq-to-index wraps with a plain modulo.
const MaxBacklog = 512

// BacklogEntry is one retransmittable audio packet: its sequence number,
// timestamp, and the exact bytes that went out on the wire. Valid is false
// for a slot that has never been written or that FLUSH has cleared.
type BacklogEntry struct {
	Seq    uint16
	Ts     ntp.Frames
	Packet []byte
	Valid  bool
}

// BacklogState is the three-way outcome of a retransmit lookup.
type BacklogState int

const (
	// BacklogHit means the slot holds exactly the requested seq.
	BacklogHit BacklogState = iota
	// BacklogEmpty means the slot was never written or was flushed.
	BacklogEmpty
	// BacklogStale means the slot holds a different seq — the caller is
	// asking for something older than the retransmission window.
	BacklogStale
)

// status is the streamer's shared mutable state: the position in the audio
// timeline, the ring of recently-sent packets, and the playing flag. Every
// field is read or written only while mu is held; mu is never held across
// an I/O call.
//
// Grounded in the teacher's bridge.Pacer fields (lastVideoTS/lastVideoSendAt
// etc., guarded by the same struct-embedded mutex as the stats they feed).
type status struct {
	mu sync.Mutex

	headTs        ntp.Frames
	firstTs       ntp.Frames
	pauseTs       ntp.Frames
	seqNum        uint16
	playing       bool
	markerPending bool

	backlog [MaxBacklog]BacklogEntry
}

func (s *status) snapshot() (headTs, firstTs ntp.Frames, seq uint16, marker, playing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headTs, s.firstTs, s.seqNum, s.markerPending, s.playing
}

func (s *status) storeBacklog(seq uint16, ts ntp.Frames, packet []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog[seq%MaxBacklog] = BacklogEntry{Seq: seq, Ts: ts, Packet: packet, Valid: true}
	s.markerPending = false
}

func (s *status) advance(fromSeq uint16, fromHeadTs, framesPerChunk ntp.Frames) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Guard against a concurrent Flush/advance race: only advance if the
	// position hasn't moved since the caller read it.
	if s.seqNum == fromSeq && s.headTs == fromHeadTs {
		s.seqNum = fromSeq + 1
		s.headTs = fromHeadTs + framesPerChunk
	}
}

func (s *status) lookupBacklog(seq uint16) (BacklogEntry, BacklogState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.backlog[seq%MaxBacklog]
	switch {
	case !e.Valid:
		return BacklogEntry{}, BacklogEmpty
	case e.Seq == seq:
		return e, BacklogHit
	default:
		return BacklogEntry{}, BacklogStale
	}
}

func (s *status) headTimestamp() ntp.Frames {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headTs
}

func (s *status) start(firstTs ntp.Frames) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstTs = firstTs
	s.headTs = firstTs
	s.seqNum = 0
	s.playing = true
	s.markerPending = true
}

func (s *status) setPlaying(playing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = playing
}

// flush clears every backlog slot in [fromSeq, fromSeq+count), records
// pause_ts at the current head, and arms the marker bit for the next packet.
func (s *status) flush(fromSeq, count uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := uint16(0); i < count; i++ {
		seq := fromSeq + i
		idx := seq % MaxBacklog
		if s.backlog[idx].Valid && s.backlog[idx].Seq == seq {
			s.backlog[idx] = BacklogEntry{}
		}
	}
	s.pauseTs = s.headTs
	s.markerPending = true
}
