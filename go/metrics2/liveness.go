package metrics2

import (
	"sync"
	"time"
)

const (
	measurementLiveness = "liveness"
	livenessReportEvery = time.Minute
)

// Liveness keeps a time-since-last-successful-update metric, in seconds.
//
// It is used to keep track of periodic processes to make sure that they are
// running successfully. Every liveness metric should have a corresponding
// alert that fires if the value gets too large.
type Liveness struct {
	lastSuccessfulUpdate time.Time
	m                    Int64Metric
	mtx                  sync.Mutex
}

// NewLiveness creates a new Liveness metric helper using the default client.
// The timer starts immediately.
func NewLiveness(name string, tags ...map[string]string) *Liveness {
	t := map[string]string{"name": name}
	for _, tt := range tags {
		for k, v := range tt {
			t[k] = v
		}
	}
	l := &Liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    GetInt64Metric(measurementLiveness, t),
	}
	go func() {
		for range time.Tick(livenessReportEvery) {
			l.update()
		}
	}()
	return l
}

func (l *Liveness) update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.m.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

// Get returns the current value of the Liveness in seconds.
func (l *Liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return int64(time.Since(l.lastSuccessfulUpdate).Seconds())
}

// Reset should be called when some work has been successfully completed.
func (l *Liveness) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = time.Now()
	l.m.Update(0)
}
