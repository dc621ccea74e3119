// Package perfstats accumulates counters that describe how well a stream is flowing
package perfstats

import (
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/venc/pkg/kibi"
)

// Two scalars (N samples and X total amount), which can measure total and average values.
type Int64Accumulator struct {
	Samples int64
	Total   int64
}

func (a *Int64Accumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *Int64Accumulator) AddSample(v int64) {
	a.Samples++
	a.Total += v
}

func (a *Int64Accumulator) Average() float64 {
	if a.Samples == 0 {
		return 0
	}
	return float64(a.Total) / float64(a.Samples)
}

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
	Max     time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
	a.Max = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
	a.Max = max(a.Max, v)
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// StreamStats counts what has gone out on the wire, and what went wrong along the way.
// It is safe for concurrent use.
type StreamStats struct {
	lock sync.Mutex
	cur  StreamSnapshot
}

// StreamSnapshot is a copy of the counters at a moment in time
type StreamSnapshot struct {
	Since          time.Time
	Units          Int64Accumulator // Samples = access units sent, Total = bytes in those units
	Fragments      int64            // Datagrams emitted
	Keyframes      int64
	SendErrors     int64
	RetrieveErrors int64
	Timeouts       int64
	SendTime       TimeAccumulator // Time spent inside Send, per unit
}

func NewStreamStats() *StreamStats {
	return &StreamStats{cur: StreamSnapshot{Since: time.Now()}}
}

// AddUnit records one access unit that was handed to the sink as 'fragments' datagrams
func (s *StreamStats) AddUnit(bytes int, fragments int, keyframe bool, sendTime time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.cur.Units.AddSample(int64(bytes))
	s.cur.Fragments += int64(fragments)
	if keyframe {
		s.cur.Keyframes++
	}
	s.cur.SendTime.AddSample(sendTime)
}

func (s *StreamStats) AddSendError() {
	s.lock.Lock()
	s.cur.SendErrors++
	s.lock.Unlock()
}

func (s *StreamStats) AddRetrieveError() {
	s.lock.Lock()
	s.cur.RetrieveErrors++
	s.lock.Unlock()
}

func (s *StreamStats) AddTimeout() {
	s.lock.Lock()
	s.cur.Timeouts++
	s.lock.Unlock()
}

// Snapshot returns the counters accumulated since the last Reset
func (s *StreamStats) Snapshot() StreamSnapshot {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.cur
}

// Reset returns the counters accumulated so far, and starts a new interval
func (s *StreamStats) Reset(now time.Time) StreamSnapshot {
	s.lock.Lock()
	defer s.lock.Unlock()
	r := s.cur
	s.cur = StreamSnapshot{Since: now}
	return r
}

// Bitrate in bits per second, over the interval from Since until now
func (s *StreamSnapshot) Bitrate(now time.Time) float64 {
	elapsed := now.Sub(s.Since).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Units.Total) * 8 / elapsed
}

// Units per second, over the interval from Since until now
func (s *StreamSnapshot) UnitRate(now time.Time) float64 {
	elapsed := now.Sub(s.Since).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Units.Samples) / elapsed
}

// Summary is a single line suitable for the periodic stats log
func (s *StreamSnapshot) Summary(now time.Time) string {
	return fmt.Sprintf("%v units (%.1f/s), %v datagrams, %v keyframes, %v, avg unit %v, send avg %v max %v, %v send errors, %v retrieve errors, %v timeouts",
		s.Units.Samples, s.UnitRate(now), s.Fragments, s.Keyframes,
		kibi.FormatBitrate(s.Bitrate(now)), kibi.Bytes(int64(s.Units.Average())),
		s.SendTime.Average(), s.SendTime.Max,
		s.SendErrors, s.RetrieveErrors, s.Timeouts)
}
