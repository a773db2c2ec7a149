package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const logrusPkg = "github.com/sirupsen/logrus."

// callerHook rewrites entry.Caller to the first frame outside logrus and
// this package, so wrapped Warn/Error calls report the collector or cleaner
// line instead of logger.go.
type callerHook struct {
	pkg string
}

func newCallerHook() *callerHook {
	pc, _, _, _ := runtime.Caller(0)
	fn := runtime.FuncForPC(pc).Name()
	return &callerHook{pkg: fn[:strings.LastIndex(fn, ".")+1]}
}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	var pcs [24]uintptr
	frames := runtime.CallersFrames(pcs[:runtime.Callers(3, pcs[:])])
	for {
		f, more := frames.Next()
		if f.Function != "" && !strings.HasPrefix(f.Function, logrusPkg) && !strings.HasPrefix(f.Function, h.pkg) {
			entry.Caller = &f
			return nil
		}
		if !more {
			return nil
		}
	}
}
