package hw

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/venc/pkg/videox"
	"github.com/pion/rtp"
)

// Status code that the simulator uses for injected failures when the caller
// doesn't supply a specific error. Same shape as a SigmaStar MI error code.
const SimFailureCode int32 = -1610604537 // 0xA0002007

// Call is one recorded backend call
type Call struct {
	Op    string // activate, deactivate, bind, unbind, depth, init, exit, retrieve, release
	Stage Stage  // For stage operations
	Link  Link   // For bind/unbind
	Err   error  // Injected failure, if any
}

func (c Call) Key() string {
	switch c.Op {
	case "init", "exit":
		return "System." + c.Op
	case "bind", "unbind":
		return c.Link.String() + "." + c.Op
	}
	return c.Stage.String() + "." + c.Op
}

func (c Call) String() string {
	if c.Err != nil {
		return c.Key() + " (failed)"
	}
	return c.Key()
}

// Sim is an in-process stand-in for the media hardware.
//
// It enforces the same rules that the real SDK does (you can't bind an
// inactive stage, you can't destroy something twice), records every call it
// receives, lets tests inject a failure into any call, and tracks unit
// ownership so that leaks and double releases are visible.
//
// When Generate is true, the encoder produces RTP framed access units paced
// at the configured frame rate, once both links into the encoder chain are up.
// Units can also be queued explicitly with Push.
type Sim struct {
	Generate bool
	UnitSize func(frame int, keyframe bool) int // Payload size of generated units. Nil = derived from bitrate.

	mu             sync.Mutex
	calls          []Call
	fail           map[string]error
	initialized    bool
	nextID         int
	active         map[Stage]Handle
	links          map[Link]bool
	settings       Settings
	pushed         chan []byte
	outstanding    map[*videox.AccessUnit]bool
	released       int
	doubleReleases int
	frame          int
	seq            uint16
	ssrc           uint32
	nextFrame      time.Time
}

func NewSim() *Sim {
	return &Sim{
		fail:        map[string]error{},
		active:      map[Stage]Handle{},
		links:       map[Link]bool{},
		pushed:      make(chan []byte, 256),
		outstanding: map[*videox.AccessUnit]bool{},
		seq:         uint16(rand.Uint32()),
		ssrc:        rand.Uint32(),
	}
}

// FailOn makes the call identified by key return err.
// Keys look like "Processor.activate", "Input->Processor.bind", "Encoder.retrieve", "System.init".
// If err is nil, a CodeError is generated.
func (s *Sim) FailOn(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = &CodeError{Op: key, Code: SimFailureCode}
	}
	s.fail[key] = err
}

func (s *Sim) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = map[string]error{}
}

// Calls returns a copy of every call recorded so far
func (s *Sim) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call{}, s.calls...)
}

// StageCalls returns the recorded activate/deactivate/bind/unbind calls, in
// order, in the form "Sensor.activate" or "Input->Processor.bind".
// Failed calls are included, with a " (failed)" suffix.
func (s *Sim) StageCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := []string{}
	for _, c := range s.calls {
		switch c.Op {
		case "activate", "deactivate", "bind", "unbind":
			r = append(r, c.String())
		}
	}
	return r
}

func (s *Sim) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// ActiveStages returns the stages that are currently active, in bring-up order
func (s *Sim) ActiveStages() []Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := []Stage{}
	for _, st := range Stages {
		if _, ok := s.active[st]; ok {
			r = append(r, st)
		}
	}
	return r
}

// Links returns the established bindings, ordered by upstream stage
func (s *Sim) Links() []Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := []Link{}
	for l := range s.links {
		r = append(r, l)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Up < r[j].Up })
	return r
}

func (s *Sim) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Number of units handed out but not yet released
func (s *Sim) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

func (s *Sim) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func (s *Sim) DoubleReleases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doubleReleases
}

// Push queues a raw unit (RTP header + payload) for the encoder to hand out.
// The data is copied.
func (s *Sim) Push(data []byte) {
	s.pushed <- append([]byte{}, data...)
}

// PushFrame queues a unit built the same way as the generator builds them
func (s *Sim) PushFrame(payloadSize int, keyframe bool) error {
	s.mu.Lock()
	data, err := s.buildUnitLocked(payloadSize, keyframe)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.pushed <- data
	return nil
}

// record must be called with the lock held. It returns the injected error for the call, if any.
func (s *Sim) record(c Call) error {
	c.Err = s.fail[c.Key()]
	s.calls = append(s.calls, c)
	return c.Err
}

func (s *Sim) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "init"}); err != nil {
		return err
	}
	if s.initialized {
		return errors.New("System already initialized")
	}
	s.initialized = true
	return nil
}

func (s *Sim) Exit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "exit"}); err != nil {
		return err
	}
	if !s.initialized {
		return errors.New("System not initialized")
	}
	s.initialized = false
	if len(s.active) != 0 || len(s.links) != 0 {
		return fmt.Errorf("System exit with %v stages and %v links still active", len(s.active), len(s.links))
	}
	return nil
}

func (s *Sim) Activate(stage Stage, settings *Settings) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "activate", Stage: stage}); err != nil {
		return Handle{}, err
	}
	if !s.initialized {
		return Handle{}, fmt.Errorf("%v activated before system init", stage)
	}
	if _, ok := s.active[stage]; ok {
		return Handle{}, fmt.Errorf("%v is already active", stage)
	}
	s.nextID++
	h := Handle{Stage: stage, ID: s.nextID}
	s.active[stage] = h
	if stage == StageEncoder {
		s.settings = *settings
		s.frame = 0
		s.nextFrame = time.Time{}
	}
	return h, nil
}

func (s *Sim) Deactivate(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "deactivate", Stage: h.Stage}); err != nil {
		// A failed teardown still leaves the stage released
		delete(s.active, h.Stage)
		return err
	}
	if cur, ok := s.active[h.Stage]; !ok || cur != h {
		return fmt.Errorf("%v is not active", h)
	}
	for l := range s.links {
		if l.Up == h.Stage || l.Down == h.Stage {
			return fmt.Errorf("%v deactivated while still bound (%v)", h, l)
		}
	}
	delete(s.active, h.Stage)
	return nil
}

func (s *Sim) Bind(up, down Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := Link{Up: up.Stage, Down: down.Stage}
	if err := s.record(Call{Op: "bind", Link: l}); err != nil {
		return err
	}
	if !s.isActiveLocked(up) || !s.isActiveLocked(down) {
		return fmt.Errorf("Cannot bind %v: both stages must be active", l)
	}
	if s.links[l] {
		return fmt.Errorf("%v is already bound", l)
	}
	s.links[l] = true
	return nil
}

func (s *Sim) Unbind(up, down Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := Link{Up: up.Stage, Down: down.Stage}
	if err := s.record(Call{Op: "unbind", Link: l}); err != nil {
		delete(s.links, l)
		return err
	}
	if !s.links[l] {
		return fmt.Errorf("%v is not bound", l)
	}
	delete(s.links, l)
	return nil
}

func (s *Sim) SetOutputDepth(h Handle, userDepth, bufDepth int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "depth", Stage: h.Stage}); err != nil {
		return err
	}
	if !s.isActiveLocked(h) {
		return fmt.Errorf("%v is not active", h)
	}
	if userDepth < 0 || bufDepth < userDepth {
		return fmt.Errorf("Invalid output depth %v/%v", userDepth, bufDepth)
	}
	return nil
}

func (s *Sim) isActiveLocked(h Handle) bool {
	cur, ok := s.active[h.Stage]
	return ok && cur == h
}

func (s *Sim) chainRunningLocked() bool {
	return s.links[Link{Up: StageInput, Down: StageProcessor}] && s.links[Link{Up: StageProcessor, Down: StageEncoder}]
}

func (s *Sim) Retrieve(encoder Handle, timeout time.Duration) (*videox.AccessUnit, error) {
	s.mu.Lock()
	if err := s.record(Call{Op: "retrieve", Stage: encoder.Stage}); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if encoder.Stage != StageEncoder || !s.isActiveLocked(encoder) {
		s.mu.Unlock()
		return nil, fmt.Errorf("Retrieve on %v, which is not an active encoder", encoder)
	}
	codec := s.settings.Codec

	// Explicitly queued units take priority over generated ones
	select {
	case data := <-s.pushed:
		u := s.handOutLocked(data, codec)
		s.mu.Unlock()
		return u, nil
	default:
	}

	if !s.Generate || !s.chainRunningLocked() {
		s.mu.Unlock()
		select {
		case data := <-s.pushed:
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.handOutLocked(data, codec), nil
		case <-time.After(timeout):
			return nil, ErrTimeout
		}
	}

	fps := max(s.settings.FrameRate, 1)
	interval := time.Second / time.Duration(fps)
	now := time.Now()
	if s.nextFrame.IsZero() || now.Sub(s.nextFrame) > time.Second {
		// First frame, or we've fallen so far behind that catching up is pointless
		s.nextFrame = now
	}
	wait := s.nextFrame.Sub(now)
	if wait > timeout {
		s.mu.Unlock()
		time.Sleep(timeout)
		return nil, ErrTimeout
	}
	s.nextFrame = s.nextFrame.Add(interval)
	gop := max(s.settings.GOPSize, 1)
	keyframe := s.frame%gop == 0
	size := s.defaultUnitSizeLocked(keyframe)
	if s.UnitSize != nil {
		size = s.UnitSize(s.frame, keyframe)
	}
	data, err := s.buildUnitLocked(size, keyframe)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if wait > 0 {
		time.Sleep(wait)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handOutLocked(data, codec), nil
}

func (s *Sim) handOutLocked(data []byte, codec videox.Codec) *videox.AccessUnit {
	u := &videox.AccessUnit{
		Data:  data,
		Codec: codec,
		PTS:   s.ptsLocked(),
	}
	s.outstanding[u] = true
	return u
}

// Presentation timestamp of the most recently built frame, in microseconds
func (s *Sim) ptsLocked() uint64 {
	fps := uint64(max(s.settings.FrameRate, 1))
	if s.frame == 0 {
		return 0
	}
	return uint64(s.frame-1) * 1000000 / fps
}

func (s *Sim) defaultUnitSizeLocked(keyframe bool) int {
	fps := max(s.settings.FrameRate, 1)
	avg := max(s.settings.BitrateKbps, 1) * 1024 / 8 / fps
	if keyframe {
		return avg * 4
	}
	return max(avg*3/4, 16)
}

// Build an RTP framed unit: header, NALU header, then filler
func (s *Sim) buildUnitLocked(payloadSize int, keyframe bool) ([]byte, error) {
	fps := uint32(max(s.settings.FrameRate, 1))
	pt := s.settings.PayloadType
	if pt == 0 {
		pt = s.settings.Codec.PayloadType()
	}
	var nalu []byte
	switch s.settings.Codec {
	case videox.CodecH265:
		if keyframe {
			nalu = []byte{19 << 1, 1} // IDR_W_RADL
		} else {
			nalu = []byte{1 << 1, 1} // TRAIL_R
		}
	default:
		if keyframe {
			nalu = []byte{0x65} // IDR slice
		} else {
			nalu = []byte{0x41} // non-IDR slice
		}
	}
	payload := make([]byte, max(payloadSize, len(nalu)))
	copy(payload, nalu)
	for i := len(nalu); i < len(payload); i++ {
		payload[i] = byte(s.frame + i)
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    pt,
			SequenceNumber: s.seq,
			Timestamp:      uint32(uint64(s.frame) * 90000 / uint64(fps)),
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.seq++
	s.frame++
	data, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("Failed to marshal simulated unit: %w", err)
	}
	return data, nil
}

func (s *Sim) Release(encoder Handle, unit *videox.AccessUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "release", Stage: encoder.Stage}); err != nil {
		return err
	}
	if !s.outstanding[unit] {
		s.doubleReleases++
		return errors.New("Access unit released twice, or never handed out")
	}
	delete(s.outstanding, unit)
	s.released++
	// Poison the memory, so that anybody holding onto it after release sees garbage
	for i := range unit.Data {
		unit.Data[i] = 0xEE
	}
	return nil
}
