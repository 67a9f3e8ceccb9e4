package session

import "github.com/pion/rtp"

// TrackKind distinguishes the two media tracks a session carries.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// MediaSource produces one outbound RTP stream. Capture devices and
// file readers implement it; the negotiator pulls packets and writes
// them to the peer.
type MediaSource interface {
	Kind() TrackKind
	// ReadRTP blocks until the next packet or an error. io.EOF ends the
	// forwarding loop cleanly.
	ReadRTP() (*rtp.Packet, error)
	Close() error
}

// RemoteStream hands inbound media to the presentation layer. Packets
// arrive in the negotiator's read goroutine for that track.
type RemoteStream struct {
	Kind    TrackKind
	Packets <-chan *rtp.Packet
}
