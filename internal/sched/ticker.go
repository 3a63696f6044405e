package sched

import "time"

// Ticker is the minimal interface needed for driving a checker loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// Recorder receives sweep completions for liveness reporting.
type Recorder interface {
	RecordSweep(kind string, duration time.Duration, streams int)
}
