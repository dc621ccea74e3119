package streamer

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/venc/pkg/perfstats"
	"github.com/cyclopcam/venc/pkg/videox"
	"github.com/pion/rtp"
)

// Size of the fixed RTP header that we put on every fragment
const RTPHeaderSize = 12

var ErrPayloadLimitTooSmall = errors.New("Maximum payload size must be larger than the RTP header")
var ErrUnitTooShort = errors.New("Unit is shorter than an RTP header")

// Sink receives the datagrams produced by a Transmitter.
// Each call is one datagram, consisting of header followed by payload.
// header may be empty.
type Sink interface {
	WriteDatagram(header, payload []byte) error
	Close() error
}

// TransmitError is returned by Send when one or more datagrams of a unit
// could not be written. Err is the first failure.
type TransmitError struct {
	Fragment  int // Index of the first fragment that failed
	Fragments int // Total fragments in the unit
	Failed    int // How many of the fragments failed
	Err       error
}

func (e *TransmitError) Error() string {
	return fmt.Sprintf("Failed to send fragment %v/%v (%v failed): %v", e.Fragment+1, e.Fragments, e.Failed, e.Err)
}

func (e *TransmitError) Unwrap() error {
	return e.Err
}

// Transmitter splits access units into datagrams no larger than MaxPayloadSize,
// using RTP fragmentation: every fragment carries a copy of the unit's RTP
// header, with consecutive sequence numbers, and the marker bit set only on
// the last one.
//
// A Transmitter is not safe for concurrent use.
type Transmitter struct {
	sink           Sink
	maxPayloadSize int
	stats          *perfstats.StreamStats

	// If true, we ignore the sequence numbers stamped by the encoder and
	// number every datagram from our own counter.
	renumber bool
	nextSeq  uint16

	headerBuf [RTPHeaderSize]byte
}

// Create a new transmitter. stats may be nil.
func NewTransmitter(sink Sink, maxPayloadSize int, renumber bool, stats *perfstats.StreamStats) (*Transmitter, error) {
	if maxPayloadSize <= RTPHeaderSize {
		return nil, fmt.Errorf("%w (limit is %v bytes)", ErrPayloadLimitTooSmall, maxPayloadSize)
	}
	return &Transmitter{
		sink:           sink,
		maxPayloadSize: maxPayloadSize,
		renumber:       renumber,
		stats:          stats,
	}, nil
}

func (t *Transmitter) MaxPayloadSize() int {
	return t.maxPayloadSize
}

// FragmentCount returns the number of datagrams that a unit of unitSize bytes will be split into
func (t *Transmitter) FragmentCount(unitSize int) int {
	if unitSize <= t.maxPayloadSize {
		return 1
	}
	chunk := t.maxPayloadSize - RTPHeaderSize
	payload := unitSize - RTPHeaderSize
	return (payload + chunk - 1) / chunk
}

// SendUnit sends an access unit, and records it in the stream stats
func (t *Transmitter) SendUnit(unit *videox.AccessUnit) error {
	start := time.Now()
	n, err := t.Send(unit.Data)
	if t.stats != nil {
		if err != nil {
			t.stats.AddSendError()
		}
		t.stats.AddUnit(len(unit.Data), n, unit.IsKeyframe(), time.Since(start))
	}
	return err
}

// Send transmits one RTP framed unit, and returns the number of datagrams
// that it was split into.
//
// A unit that fits inside the payload limit goes out unmodified (unless we
// are renumbering). Otherwise the first 12 bytes of the unit are taken as the
// template header, whatever they contain, and everything after them is split
// into chunks, each with a fresh version 2 header derived from the template.
//
// If a datagram fails, the remaining fragments are still sent, and a
// *TransmitError describing the first failure is returned.
func (t *Transmitter) Send(unit []byte) (int, error) {
	if len(unit) <= t.maxPayloadSize && !t.renumber {
		if err := t.sink.WriteDatagram(nil, unit); err != nil {
			return 1, &TransmitError{Fragment: 0, Fragments: 1, Failed: 1, Err: err}
		}
		return 1, nil
	}
	if len(unit) < RTPHeaderSize {
		// Only reachable when renumbering, because the limit is always larger than the header
		return 0, fmt.Errorf("%w (%v bytes)", ErrUnitTooShort, len(unit))
	}

	tmpl, err := templateHeader(unit)
	if err != nil {
		return 0, err
	}
	payload := unit[RTPHeaderSize:]

	baseSeq := tmpl.SequenceNumber
	if t.renumber {
		baseSeq = t.nextSeq
	}

	chunk := t.maxPayloadSize - RTPHeaderSize
	nFrag := max((len(payload)+chunk-1)/chunk, 1)
	if len(unit) <= t.maxPayloadSize {
		// Only here when renumbering. Keep the unit's payload in one piece.
		nFrag = 1
		chunk = len(payload)
	}

	var terr *TransmitError
	for i := 0; i < nFrag; i++ {
		start := i * chunk
		end := min(start+chunk, len(payload))
		last := i == nFrag-1
		h := rtp.Header{
			Version:        2,
			Marker:         last && tmpl.Marker,
			PayloadType:    tmpl.PayloadType,
			SequenceNumber: baseSeq + uint16(i),
			Timestamp:      tmpl.Timestamp,
			SSRC:           tmpl.SSRC,
		}
		if _, err := h.MarshalTo(t.headerBuf[:]); err != nil {
			return i, fmt.Errorf("Failed to marshal RTP header: %w", err)
		}
		if err := t.sink.WriteDatagram(t.headerBuf[:], payload[start:end]); err != nil {
			if terr == nil {
				terr = &TransmitError{Fragment: i, Fragments: nFrag, Err: err}
			}
			terr.Failed++
		}
	}
	if t.renumber {
		t.nextSeq = baseSeq + uint16(nFrag)
	}
	if terr != nil {
		return nFrag, terr
	}
	return nFrag, nil
}

// templateHeader reads the fixed fields of the 12 byte header at the start of
// unit. The first byte (version, padding, extension, CSRC count) is ignored,
// so any bytes produce a usable template.
func templateHeader(unit []byte) (rtp.Header, error) {
	var raw [RTPHeaderSize]byte
	copy(raw[:], unit)
	raw[0] = 0x80 // Version 2, nothing variable length after the fixed header
	var h rtp.Header
	if _, err := h.Unmarshal(raw[:]); err != nil {
		return h, fmt.Errorf("Failed to read RTP template header: %w", err)
	}
	return h, nil
}

func (t *Transmitter) Close() error {
	return t.sink.Close()
}
