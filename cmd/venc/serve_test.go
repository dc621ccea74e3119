//go:build linux

package main

import (
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/venc/pkg/hw"
	"github.com/cyclopcam/venc/server"
	"github.com/cyclopcam/venc/server/config"
	"github.com/stretchr/testify/require"
)

type discardSink struct{}

func (discardSink) WriteDatagram(header, payload []byte) error { return nil }
func (discardSink) Close() error                               { return nil }

// Sends SIGTERM to our own process in the middle of bring-up, and waits for
// the server to notice it before letting bring-up continue.
type signalDuringStart struct {
	*hw.Sim
	srv      *server.Server
	at       hw.Stage
	observed bool
}

func (b *signalDuringStart) Activate(stage hw.Stage, settings *hw.Settings) (hw.Handle, error) {
	h, err := b.Sim.Activate(stage, settings)
	if stage == b.at {
		syscall.Kill(os.Getpid(), syscall.SIGTERM)
		select {
		case <-b.srv.ShutdownStarted():
			b.observed = true
		case <-time.After(5 * time.Second):
		}
	}
	return h, err
}

func testServeConfig() config.Config {
	cfg := config.Defaults()
	cfg.RetrieveTimeoutMS = 20
	cfg.StatsSeconds = 0
	return cfg
}

type notifications struct {
	lock   sync.Mutex
	states []string
}

func (n *notifications) add(state string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.states = append(n.states, state)
}

func TestSignalDuringStartUnwinds(t *testing.T) {
	sim := hw.NewSim()
	backend := &signalDuringStart{Sim: sim, at: hw.StageProcessor}
	srv, err := server.NewServerWithSink(logs.NewTestingLog(t), testServeConfig(), backend, discardSink{})
	require.NoError(t, err)
	backend.srv = srv

	n := &notifications{}
	require.NoError(t, serve(logs.NewTestingLog(t), srv, n.add))
	require.True(t, backend.observed)
	// Never reported READY, because we were told to stop before we got there
	require.Equal(t, []string{daemon.SdNotifyStopping}, n.states)
	require.Empty(t, sim.ActiveStages())
	require.Empty(t, sim.Links())
	require.False(t, sim.Initialized())
}

func TestServeNotifiesReady(t *testing.T) {
	sim := hw.NewSim()
	srv, err := server.NewServerWithSink(logs.NewTestingLog(t), testServeConfig(), sim, discardSink{})
	require.NoError(t, err)

	n := &notifications{}
	notify := func(state string) {
		n.add(state)
		if state == daemon.SdNotifyReady {
			srv.Shutdown()
		}
	}
	require.NoError(t, serve(logs.NewTestingLog(t), srv, notify))
	require.Equal(t, []string{daemon.SdNotifyReady, daemon.SdNotifyStopping}, n.states)
	require.Empty(t, sim.ActiveStages())
	require.False(t, sim.Initialized())
}

func TestServeStartFailure(t *testing.T) {
	sim := hw.NewSim()
	sim.FailOn("Encoder.activate", nil)
	srv, err := server.NewServerWithSink(logs.NewTestingLog(t), testServeConfig(), sim, discardSink{})
	require.NoError(t, err)

	n := &notifications{}
	err = serve(logs.NewTestingLog(t), srv, n.add)
	require.ErrorContains(t, err, "Failed to start pipeline")
	require.Empty(t, n.states)
	require.Empty(t, sim.ActiveStages())
	require.False(t, sim.Initialized())
}
