package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// wrapperFuncs are function name prefixes that log on behalf of their caller:
// logrus itself, this package, and the metric emitters that write a debug line
// for every metric.
var wrapperFuncs = []string{
	"github.com/sirupsen/logrus.",
	"feedarchive/logger.",
	"feedarchive/internal/metrics.Emit",
	"feedarchive/internal/metrics.recordMetric",
}

// callerHook points the reported caller at the code that asked for the log
// line rather than at a wrapper.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	if frame, ok := callSite(3); ok {
		entry.Caller = &frame
	}
	return nil
}

func isWrapper(fn string) bool {
	for _, prefix := range wrapperFuncs {
		if strings.HasPrefix(fn, prefix) {
			return true
		}
	}
	return false
}

// callSite returns the first frame above skip that is not a wrapper.
func callSite(skip int) (runtime.Frame, bool) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !isWrapper(frame.Function) {
			return frame, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}
