package metrics2

import (
	"runtime"
	"strings"
	"time"
)

const (
	measurementTimer = "timer"
	nameFuncTimer    = "func_timer"
)

// Timer is a struct used for measuring elapsed time. Unlike the other metrics
// helpers, Timer does not continuously report data; instead, it reports a
// single data point when Stop() is called.
type Timer struct {
	begin   time.Time
	summary Float64SummaryMetric
}

// NewTimer creates and returns a started Timer using the default client. The
// elapsed time is reported in seconds when Stop is called.
func NewTimer(name string, tags ...map[string]string) *Timer {
	t := map[string]string{"name": name}
	for _, tt := range tags {
		for k, v := range tt {
			t[k] = v
		}
	}
	return &Timer{
		begin:   time.Now(),
		summary: GetFloat64SummaryMetric(measurementTimer, t),
	}
}

// Stop stops the timer and reports the elapsed time.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.begin)
	t.summary.Observe(d.Seconds())
	return d
}

// FuncTimer is specifically intended for measuring the duration of functions.
//
// The standard way to use FuncTimer is at the top of the func you want to
// measure:
//
//	func myfunc() {
//	   defer metrics2.FuncTimer().Stop()
//	   ...
//	}
func FuncTimer() *Timer {
	pc, _, _, _ := runtime.Caller(1)
	f := runtime.FuncForPC(pc)
	split := strings.Split(f.Name(), ".")
	fn := "unknown"
	pkg := "unknown"
	if len(split) >= 2 {
		fn = split[len(split)-1]
		pkg = strings.Join(split[:len(split)-1], ".")
	}
	return NewTimer(nameFuncTimer, map[string]string{"package": pkg, "func": fn})
}
