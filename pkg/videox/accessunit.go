package videox

import (
	"fmt"

	"github.com/pion/rtp"
)

// AccessUnit is one complete compressed unit handed out by the hardware encoder.
//
// Data is RTP framed: a fixed RTP header (as stamped by the encoder) followed
// by the codec payload. The memory belongs to the encoder. It is only valid
// until the unit is released back to the encoder, and it must be released
// exactly once.
type AccessUnit struct {
	Data  []byte // Borrowed from the encoder. Do not retain after release.
	PTS   uint64 // Encoder presentation timestamp, in microseconds. Never decreases.
	Codec Codec
	Ref   any // Backend bookkeeping needed to release the unit
}

// Parse the RTP header at the start of the unit.
// Returns the header and the length of the header in bytes.
func (u *AccessUnit) Header() (rtp.Header, int, error) {
	var h rtp.Header
	n, err := h.Unmarshal(u.Data)
	if err != nil {
		return h, 0, fmt.Errorf("Access unit has no valid RTP header: %w", err)
	}
	return h, n, nil
}

// Payload returns the codec payload after the RTP header, or nil if the
// header cannot be parsed.
func (u *AccessUnit) Payload() []byte {
	_, n, err := u.Header()
	if err != nil {
		return nil
	}
	return u.Data[n:]
}

// Classify the first NALU of the unit
func (u *AccessUnit) AbstractType() AbstractNALUType {
	return RTPPayloadAbstractType(u.Codec, u.Payload())
}

// Returns true if this unit starts with a keyframe NALU
func (u *AccessUnit) IsKeyframe() bool {
	return u.AbstractType() == AbstractNALUTypeIDR
}

func (u *AccessUnit) Summary() string {
	h, n, err := u.Header()
	if err != nil {
		return fmt.Sprintf("%v unit, %v bytes, unparseable header", u.Codec, len(u.Data))
	}
	return fmt.Sprintf("%v unit, %v bytes payload, seq %v, ts %v, marker %v", u.Codec, len(u.Data)-n, h.SequenceNumber, h.Timestamp, h.Marker)
}
