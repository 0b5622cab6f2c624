package maintenance

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeHub struct {
	calls int
	n     int
}

func (f *fakeHub) SweepStaleBuffers() int {
	f.calls++
	return f.n
}

func TestSweeperRunsPeriodically(t *testing.T) {
	h := &fakeHub{n: 3}
	s := New(h, zerolog.Nop())
	s.cron.AddFunc("@every 10ms", s.sweep)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return h.calls >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestStartIsIdempotent(t *testing.T) {
	h := &fakeHub{}
	s := New(h, zerolog.Nop())
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	s.Stop()
}

func TestStopBeforeStartIsSafe(t *testing.T) {
	s := New(&fakeHub{}, zerolog.Nop())
	s.Stop()
}
