package server

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/venc/pkg/hw"
	"github.com/cyclopcam/venc/pkg/kibi"
	"github.com/cyclopcam/venc/pkg/perfstats"
	"github.com/cyclopcam/venc/server/config"
	"github.com/cyclopcam/venc/server/log"
	"github.com/cyclopcam/venc/server/pipeline"
	"github.com/cyclopcam/venc/server/streamer"
)

// Pause after a failed retrieve, so that a broken encoder doesn't spin the CPU
const retrieveErrorBackoff = 10 * time.Millisecond

// Repeated errors in the streaming loop are logged at most this often
const errorLogInterval = 5 * time.Second

// Server owns the hardware pipeline and the transmitter, and moves access
// units from one to the other until it is told to stop.
type Server struct {
	Log    logs.Log
	Config config.Config
	Stats  *perfstats.StreamStats

	pipeline     *pipeline.Orchestrator
	transmitter  *streamer.Transmitter
	shutdown     chan bool // Closed when it's time to stop
	shutdownOnce sync.Once
	signalIn     chan os.Signal
	retrieveLog  *log.Throttle
	sendLog      *log.Throttle
}

// NewServer validates the config and opens the UDP socket (and the capture
// file, if one is configured). The hardware is not touched until Start.
func NewServer(logger logs.Log, cfg config.Config, backend hw.Backend) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid configuration: %w", err)
	}
	udp, err := streamer.NewUDPSink(cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}
	var sink streamer.Sink = udp
	if cfg.CapturePath != "" {
		capture, err := streamer.NewCaptureSink(cfg.CapturePath, udp, udp.LocalAddr(), udp.Destination())
		if err != nil {
			udp.Close()
			return nil, err
		}
		sink = capture
	}
	s, err := NewServerWithSink(logger, cfg, backend, sink)
	if err != nil {
		sink.Close()
		return nil, err
	}
	return s, nil
}

// NewServerWithSink is NewServer, but with the caller supplying the datagram sink
func NewServerWithSink(logger logs.Log, cfg config.Config, backend hw.Backend, sink streamer.Sink) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid configuration: %w", err)
	}
	stats := perfstats.NewStreamStats()
	tx, err := streamer.NewTransmitter(sink, cfg.MaxPayloadSize, cfg.Renumber, stats)
	if err != nil {
		return nil, err
	}
	return &Server{
		Log:         logger,
		Config:      cfg,
		Stats:       stats,
		pipeline:    pipeline.NewOrchestrator(logger, backend),
		transmitter: tx,
		shutdown:    make(chan bool),
		retrieveLog: log.NewThrottle(errorLogInterval),
		sendLog:     log.NewThrottle(errorLogInterval),
	}, nil
}

func (s *Server) Pipeline() *pipeline.Orchestrator {
	return s.pipeline
}

// Start brings the hardware pipeline up
func (s *Server) Start() error {
	c := &s.Config
	s.Log.Infof("Starting star6e pipeline")
	s.Log.Infof("  - Sensor: %vx%v @ %v", c.SensorWidth, c.SensorHeight, c.FrameRate)
	s.Log.Infof("  - Image : %vx%v", c.OutputWidth, c.OutputHeight)
	s.Log.Infof("  - Encoder: %v, %v Kbit/s, GOP %v", c.EncoderMode(), c.BitrateKbps, c.GOPSize())
	s.Log.Infof("  - Sink: %v, %v mode, max %v per datagram", c.SinkAddress(), c.Mode, kibi.Bytes(int64(c.MaxPayloadSize)))
	if c.CapturePath != "" {
		s.Log.Infof("  - Capturing datagrams to %v", c.CapturePath)
	}
	return s.pipeline.Start(c.Settings())
}

// Run moves access units from the encoder to the sink, until Shutdown is
// called, or until the encoder fails more than MaxRetrieveErrors times in a row.
// The pipeline is stopped before Run returns.
func (s *Server) Run() error {
	defer s.pipeline.Stop()

	timeout := s.Config.RetrieveTimeout()
	statsInterval := s.Config.StatsInterval()
	s.Stats.Reset(time.Now())
	nextStats := time.Now().Add(statsInterval)
	consecutiveErrors := 0

	for {
		select {
		case <-s.shutdown:
			s.Log.Infof("Streaming loop exiting")
			s.logStats(time.Now())
			return nil
		default:
		}

		if statsInterval != 0 {
			if now := time.Now(); now.After(nextStats) {
				s.logStats(now)
				nextStats = now.Add(statsInterval)
			}
		}

		unit, err := s.pipeline.NextUnit(timeout)
		if err != nil {
			consecutiveErrors++
			s.Stats.AddRetrieveError()
			s.retrieveLog.Errorf(s.Log, "%v", err)
			if s.Config.MaxRetrieveErrors != 0 && consecutiveErrors >= s.Config.MaxRetrieveErrors {
				return fmt.Errorf("Giving up after %v consecutive retrieve errors: %w", consecutiveErrors, err)
			}
			time.Sleep(retrieveErrorBackoff)
			continue
		}
		consecutiveErrors = 0
		if unit == nil {
			s.Stats.AddTimeout()
			continue
		}

		if err := s.transmitter.SendUnit(unit); err != nil {
			s.sendLog.Warnf(s.Log, "%v", err)
		}
		if err := s.pipeline.ReleaseUnit(unit); err != nil {
			s.Log.Errorf("Failed to release access unit: %v", err)
		}
	}
}

func (s *Server) logStats(now time.Time) {
	snap := s.Stats.Reset(now)
	s.Log.Infof("Stream: %v", snap.Summary(now))
}

// Shutdown tells Run to exit. It is safe to call more than once, and from any goroutine.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.Log.Infof("Shutdown")
		close(s.shutdown)
	})
}

// ShutdownStarted returns a channel that is closed when Shutdown is called
func (s *Server) ShutdownStarted() <-chan bool {
	return s.shutdown
}

// ListenForKillSignals calls Shutdown when we receive SIGINT or SIGTERM
func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-s.signalIn:
			s.Log.Infof("Received OS signal '%v'", sig.String())
			s.Shutdown()
		case <-s.shutdown:
		}
		signal.Stop(s.signalIn)
	}()
}

// Close tears down the pipeline, shuts down the media system, and closes the socket
func (s *Server) Close() error {
	s.Shutdown()
	errPipeline := s.pipeline.Close()
	errSink := s.transmitter.Close()
	if errSink != nil {
		s.Log.Warnf("Failed to close sink: %v", errSink)
	}
	return errors.Join(errPipeline, errSink)
}
