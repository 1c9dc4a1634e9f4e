/*
Thin statsd wrapper, grounded on consensus/manager_prepare.go's
m.statsInc(...)/m.statsTiming(...) calls, which thread a counters-and-timers
client through every phase of that package's step functions. topochange's
Driver does the same here (per-step timings and counters).
*/
package metrics

import (
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
)

// Sink is the narrow surface topochange depends on, so tests can
// supply a no-op implementation instead of a live statsd connection.
type Sink interface {
	Inc(name string, n int64)
	Timing(name string, d time.Duration)
}

type statterSink struct {
	client statsd.Statter
}

// New wraps a statsd.Statter (e.g. one created with statsd.NewClientWithConfig)
// as a Sink.
func New(client statsd.Statter) Sink {
	return &statterSink{client: client}
}

func (s *statterSink) Inc(name string, n int64) {
	_ = s.client.Inc(name, n, 1.0)
}

func (s *statterSink) Timing(name string, d time.Duration) {
	_ = s.client.TimingDuration(name, d, 1.0)
}

// noop discards everything; the zero value of Sink interface use sites
// should fall back to this instead of nil-checking at every call site.
type noop struct{}

// Noop is used by tests and by callers that don't want metrics wired up.
var Noop Sink = noop{}

func (noop) Inc(string, int64)          {}
func (noop) Timing(string, time.Duration) {}
