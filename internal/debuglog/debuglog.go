package debuglog

import (
	"fmt"
	"os"
	"sync"
)

const queueSize = 256

type logger struct {
	once sync.Once
	ch   chan string
}

var global logger

func enabled() bool {
	return os.Getenv("ZID_DEBUG") == "1"
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
}

// Logf always writes; it carries the degradation notices the cache must
// surface even outside debug mode.
func Logf(format string, args ...any) {
	msg := fmt.Sprintf(format+"\n", args...)
	if !enabled() {
		_, _ = os.Stderr.WriteString(msg)
		return
	}
	global.start()
	select {
	case global.ch <- msg:
	default:
		// Drop when saturated to keep file I/O paths non-blocking in debug mode.
	}
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	Logf(format, args...)
}
