// Package logx configures logrus and provides per-callsite throttling for
// log lines driven by untrusted input.
package logx

import (
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const maxPerSecondPerCallsite = 10

// Setup configures the standard logger. An unparsable level falls back to
// info; format is "text" or "json".
func Setup(level, format string) *logrus.Logger {
	l := logrus.StandardLogger()
	Configure(l, level, format)
	return l
}

func Configure(l *logrus.Logger, level, format string) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}
	l.SetOutput(os.Stderr)
}

type bucket struct {
	mu     sync.Mutex
	window time.Time
	count  int
}

var (
	buckets sync.Map // map[string]*bucket
	dropped atomic.Uint64
	discard = &logrus.Logger{Out: io.Discard, Formatter: new(logrus.TextFormatter), Hooks: make(logrus.LevelHooks), Level: logrus.PanicLevel}
)

func allow(callsite string, now time.Time) bool {
	v, _ := buckets.LoadOrStore(callsite, &bucket{})
	b := v.(*bucket)

	win := now.Truncate(time.Second)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.window.IsZero() || !b.window.Equal(win) {
		b.window = win
		b.count = 0
	}

	if b.count >= maxPerSecondPerCallsite {
		return false
	}
	b.count++
	return true
}

func callsiteKey(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	return file + ":" + strconv.Itoa(line)
}

// Throttled returns l while the calling line stays within 10 entries per
// second, and a discarding logger after that.
//
//	logx.Throttled(log).WithError(err).Warn("skip candidate")
func Throttled(l logrus.FieldLogger) logrus.FieldLogger {
	if allow(callsiteKey(2), time.Now()) {
		return l
	}
	dropped.Add(1)
	return logrus.NewEntry(discard)
}

// Dropped is the number of entries suppressed by Throttled since start.
func Dropped() uint64 { return dropped.Load() }
