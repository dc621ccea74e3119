package log

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrottle(t *testing.T) {
	th := NewThrottle(200 * time.Millisecond)
	emitted := []int64{}
	emit := func(suppressed int64) {
		emitted = append(emitted, suppressed)
	}

	th.do(emit)
	require.Equal(t, []int64{0}, emitted)

	for i := 0; i < 5; i++ {
		th.do(emit)
	}
	require.Equal(t, []int64{0}, emitted)

	time.Sleep(250 * time.Millisecond)
	th.do(emit)
	require.Equal(t, []int64{0, 5}, emitted)

	time.Sleep(250 * time.Millisecond)
	th.do(emit)
	require.Equal(t, []int64{0, 5, 0}, emitted)
}
