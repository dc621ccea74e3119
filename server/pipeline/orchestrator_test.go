package pipeline

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/venc/pkg/hw"
	"github.com/cyclopcam/venc/pkg/videox"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func testSettings() hw.Settings {
	return hw.Settings{
		SensorWidth:  1920,
		SensorHeight: 1080,
		OutputWidth:  1280,
		OutputHeight: 720,
		FrameRate:    30,
		BitrateKbps:  4096,
		GOPSize:      3,
		Codec:        videox.CodecH264,
		RateControl:  videox.RateControlAVBR,
	}
}

var fullBringUp = []string{
	"Sensor.activate",
	"Input.activate",
	"Processor.activate",
	"Encoder.activate",
	"Input->Processor.bind",
	"Processor->Encoder.bind",
}

var fullTeardown = []string{
	"Processor->Encoder.unbind",
	"Input->Processor.unbind",
	"Encoder.deactivate",
	"Processor.deactivate",
	"Input.deactivate",
	"Sensor.deactivate",
}

// The undo of a successful call, eg "Sensor.activate" -> "Sensor.deactivate"
func undoOf(call string) string {
	call = strings.Replace(call, ".activate", ".deactivate", 1)
	return strings.Replace(call, ".bind", ".unbind", 1)
}

func TestStartStop(t *testing.T) {
	sim := hw.NewSim()
	o := NewOrchestrator(logs.NewTestingLog(t), sim)
	require.Equal(t, StateIdle, o.State())

	require.NoError(t, o.Start(testSettings()))
	require.Equal(t, StateRunning, o.State())
	require.Equal(t, hw.Stages, o.ActiveStages())
	require.Equal(t, chainLinks, o.Bindings())
	require.Equal(t, hw.Stages, sim.ActiveStages())
	require.Len(t, sim.Links(), 2)
	require.True(t, o.Stage(hw.StageEncoder).Active)
	require.Equal(t, 1280, o.Settings().OutputWidth)

	if diff := cmp.Diff(fullBringUp, sim.StageCalls()); diff != "" {
		t.Fatalf("Bring-up calls mismatch (-want +got):\n%v", diff)
	}

	// The depth hint lands on the encoder, after both bindings
	calls := sim.Calls()
	last := calls[len(calls)-1]
	require.Equal(t, "Encoder.depth", last.Key())

	sim.ResetCalls()
	o.Stop()
	require.Equal(t, StateIdle, o.State())
	require.Empty(t, o.ActiveStages())
	require.Empty(t, o.Bindings())
	require.Empty(t, sim.ActiveStages())
	require.Empty(t, sim.Links())
	if diff := cmp.Diff(fullTeardown, sim.StageCalls()); diff != "" {
		t.Fatalf("Teardown calls mismatch (-want +got):\n%v", diff)
	}

	// Stop on an idle pipeline does nothing
	sim.ResetCalls()
	o.Stop()
	o.Stop()
	require.Empty(t, sim.Calls())

	require.NoError(t, o.Close())
	require.False(t, sim.Initialized())
}

// Inject a failure at every activation and binding, and verify that we
// unwind exactly what was committed, in reverse order.
func TestStartFailureUnwinds(t *testing.T) {
	for failAt, failKey := range fullBringUp {
		t.Run(failKey, func(t *testing.T) {
			sim := hw.NewSim()
			sim.FailOn(failKey, nil)
			o := NewOrchestrator(logs.NewTestingLog(t), sim)

			err := o.Start(testSettings())
			require.Error(t, err)
			var failure *StageFailure
			require.True(t, errors.As(err, &failure))
			require.Equal(t, hw.SimFailureCode, failure.Code)
			require.Equal(t, hw.SimFailureCode, hw.ErrorCode(err))
			if strings.HasSuffix(failKey, ".bind") {
				require.NotNil(t, failure.Link)
				require.Equal(t, failKey, failure.Link.String()+".bind")
			} else {
				require.Nil(t, failure.Link)
				require.Equal(t, failKey, failure.Stage.String()+".activate")
			}

			require.Equal(t, StateIdle, o.State())
			require.Empty(t, o.ActiveStages())
			require.Empty(t, o.Bindings())
			require.Empty(t, sim.ActiveStages())
			require.Empty(t, sim.Links())

			committed := fullBringUp[:failAt]
			expect := append([]string{}, committed...)
			expect = append(expect, failKey+" (failed)")
			for i := len(committed) - 1; i >= 0; i-- {
				expect = append(expect, undoOf(committed[i]))
			}
			if diff := cmp.Diff(expect, sim.StageCalls()); diff != "" {
				t.Fatalf("Call sequence mismatch (-want +got):\n%v", diff)
			}

			// Nothing was attempted after the failure, so the depth hint was never sent
			for _, c := range sim.Calls() {
				require.NotEqual(t, "depth", c.Op)
			}

			// A later Start can succeed, without a second system init
			sim.ClearFailures()
			require.NoError(t, o.Start(testSettings()))
			require.Equal(t, StateRunning, o.State())
			require.NoError(t, o.Close())
			inits := 0
			for _, c := range sim.Calls() {
				if c.Op == "init" {
					inits++
				}
			}
			require.Equal(t, 1, inits)
		})
	}
}

func TestProcessorFailureCallSequence(t *testing.T) {
	sim := hw.NewSim()
	sim.FailOn("Processor.activate", nil)
	o := NewOrchestrator(logs.NewTestingLog(t), sim)
	err := o.Start(testSettings())
	var failure *StageFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, hw.StageProcessor, failure.Stage)
	require.Equal(t, []string{
		"Sensor.activate",
		"Input.activate",
		"Processor.activate (failed)",
		"Input.deactivate",
		"Sensor.deactivate",
	}, sim.StageCalls())
}

func TestStartWhileRunning(t *testing.T) {
	sim := hw.NewSim()
	o := NewOrchestrator(logs.NewTestingLog(t), sim)
	require.NoError(t, o.Start(testSettings()))
	sim.ResetCalls()
	require.ErrorIs(t, o.Start(testSettings()), ErrNotIdle)
	require.Empty(t, sim.Calls())
	require.Equal(t, StateRunning, o.State())
	require.NoError(t, o.Close())
}

func TestTeardownFailureDoesNotStopUnwind(t *testing.T) {
	sim := hw.NewSim()
	o := NewOrchestrator(logs.NewTestingLog(t), sim)
	require.NoError(t, o.Start(testSettings()))
	sim.FailOn("Input->Processor.unbind", nil)
	sim.FailOn("Input.deactivate", nil)
	sim.ResetCalls()
	o.Stop()
	require.Equal(t, StateIdle, o.State())
	require.Empty(t, o.ActiveStages())
	require.Equal(t, []string{
		"Processor->Encoder.unbind",
		"Input->Processor.unbind (failed)",
		"Encoder.deactivate",
		"Processor.deactivate",
		"Input.deactivate (failed)",
		"Sensor.deactivate",
	}, sim.StageCalls())
}

func TestDepthHintFailureIsNotFatal(t *testing.T) {
	sim := hw.NewSim()
	sim.FailOn("Encoder.depth", nil)
	o := NewOrchestrator(logs.NewTestingLog(t), sim)
	require.NoError(t, o.Start(testSettings()))
	require.Equal(t, StateRunning, o.State())
	require.NoError(t, o.Close())
}

func TestInitFailure(t *testing.T) {
	sim := hw.NewSim()
	sim.FailOn("System.init", nil)
	o := NewOrchestrator(logs.NewTestingLog(t), sim)
	require.Error(t, o.Start(testSettings()))
	require.Equal(t, StateIdle, o.State())
	require.Empty(t, sim.StageCalls())
	// Nothing to exit, since init never succeeded
	require.NoError(t, o.Close())
	for _, c := range sim.Calls() {
		require.NotEqual(t, "exit", c.Op)
	}
}

func TestCloseExitsOnce(t *testing.T) {
	sim := hw.NewSim()
	o := NewOrchestrator(logs.NewTestingLog(t), sim)
	require.NoError(t, o.Start(testSettings()))
	require.NoError(t, o.Close())
	require.NoError(t, o.Close())
	exits := 0
	for _, c := range sim.Calls() {
		if c.Op == "exit" {
			exits++
		}
	}
	require.Equal(t, 1, exits)
	require.ErrorIs(t, o.Start(testSettings()), ErrClosed)
}

func TestNextUnit(t *testing.T) {
	sim := hw.NewSim()
	o := NewOrchestrator(logs.NewTestingLog(t), sim)

	_, err := o.NextUnit(time.Millisecond)
	require.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, o.Start(testSettings()))

	// Timeout is not an error
	u, err := o.NextUnit(10 * time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, u)

	require.NoError(t, sim.PushFrame(500, true))
	u, err = o.NextUnit(time.Second)
	require.NoError(t, err)
	require.NotNil(t, u)
	require.True(t, u.IsKeyframe())
	require.Equal(t, 1, sim.Outstanding())
	require.NoError(t, o.ReleaseUnit(u))
	require.Equal(t, 0, sim.Outstanding())

	// Other retrieve errors are surfaced
	sim.FailOn("Encoder.retrieve", errors.New("DMA fault"))
	_, err = o.NextUnit(10 * time.Millisecond)
	require.ErrorContains(t, err, "DMA fault")

	require.NoError(t, o.Close())
	require.Error(t, o.ReleaseUnit(u))
}
