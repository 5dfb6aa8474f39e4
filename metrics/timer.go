package metrics

import (
	"time"
)

// timer measures the time between its construction and Stop, reporting
// the elapsed duration as a distribution metric. workerruntime wraps a
// step handler's execution in one so workerruntime.step_duration_ms
// reflects wall-clock run time without every call site hand-rolling
// time.Now()/time.Since() bookkeeping.
type timer struct {
	client Client
	start  time.Time
	name   string
	tags   Tags
}

// Timer starts a timer that reports to name/tags on client when stopped.
func Timer(client Client, name string, tags Tags) *timer {
	return &timer{
		client: client,
		start:  time.Now(),
		name:   name,
		tags:   tags,
	}
}

// Stop reports the elapsed time in milliseconds as a distribution metric.
func (t *timer) Stop() {
	elapsed := time.Since(t.start)
	t.client.Distribution(t.name, t.tags, float64(elapsed/time.Millisecond))
}
