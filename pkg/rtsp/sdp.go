package rtsp

import (
	"encoding/base64"
	"fmt"
	"net"

	"github.com/pion/sdp/v3"
)

// SDPParams holds the values needed to build the ANNOUNCE body for a RAOP
// session, per SPEC_FULL.md §6's SDP grammar.
type SDPParams struct {
	SessionID uint64 // numeric session id for the o= line; raop.Connect draws it independently of the sid in the RTSP URL, so the two differ
	LocalIP   net.IP
	PeerIP    net.IP
	SampleRate int

	// Encrypted, when set, carries the AES key/IV for the "rsaaeskey"
	// profile; both are base64-encoded into the SDP body.
	Encrypted bool
	AESKey    []byte
	AESIV     []byte
}

// BuildAnnounceSDP builds the SDP body for ANNOUNCE using pion/sdp/v3
// rather than hand-written string concatenation.
func BuildAnnounceSDP(p SDPParams) (string, error) {
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "iTunes",
			SessionID:      p.SessionID,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: p.LocalIP.String(),
		},
		SessionName: "iTunes",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: p.PeerIP.String()},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: 0},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"96"},
				},
				Attributes: audioAttributes(p),
			},
		},
	}

	raw, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("rtsp: marshal SDP: %w", err)
	}
	return string(raw), nil
}

func audioAttributes(p SDPParams) []sdp.Attribute {
	attrs := []sdp.Attribute{
		{Key: "rtpmap", Value: "96 AppleLossless"},
		{Key: "fmtp", Value: fmt.Sprintf("96 352 0 16 40 10 14 2 255 0 0 %d", p.SampleRate)},
	}

	if p.Encrypted {
		attrs = append(attrs,
			sdp.Attribute{Key: "rsaaeskey", Value: base64.StdEncoding.EncodeToString(p.AESKey)},
			sdp.Attribute{Key: "aesiv", Value: base64.StdEncoding.EncodeToString(p.AESIV)},
		)
	}

	return attrs
}
