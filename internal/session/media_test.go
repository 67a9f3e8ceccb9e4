package session

import (
	"io"

	"github.com/pion/rtp"
)

// staticSource serves a fixed packet list, then EOF.
type staticSource struct {
	kind    TrackKind
	packets []*rtp.Packet
	closed  bool
}

func (s *staticSource) Kind() TrackKind { return s.kind }

func (s *staticSource) ReadRTP() (*rtp.Packet, error) {
	if len(s.packets) == 0 {
		return nil, io.EOF
	}
	pkt := s.packets[0]
	s.packets = s.packets[1:]
	return pkt, nil
}

func (s *staticSource) Close() error {
	s.closed = true
	return nil
}
