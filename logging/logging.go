package logging

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// For returns an entry tagged with the component name.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// SetLevel parses and applies a logrus level name ("debug", "info", ...).
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logrus.SetLevel(lvl)
	return nil
}

// KeyPreview shortens a public key for log output.
func KeyPreview(key wgtypes.Key) string {
	s := key.String()
	if len(s) > 8 {
		return s[:8] + "..."
	}
	return s
}

// SecureFieldHash shows only the first 8 bytes of sensitive data.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	if len(data) > 0 {
		n := 8
		if len(data) < n {
			n = len(data)
		}
		preview = fmt.Sprintf("%x", data[:n])
		if len(data) > n {
			preview += "..."
		}
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}

// OperationFields creates standardized operation logging fields.
func OperationFields(operation, status string, additional ...logrus.Fields) logrus.Fields {
	fields := logrus.Fields{
		"operation": operation,
		"status":    status,
	}
	for _, extra := range additional {
		for k, v := range extra {
			fields[k] = v
		}
	}
	return fields
}

// Sampler admits at most one event per interval. It is safe for concurrent use.
type Sampler struct {
	interval time.Duration
	last     atomic.Int64
}

// NewSampler returns a sampler for the given interval. A non-positive interval
// admits every event.
func NewSampler(interval time.Duration) *Sampler {
	return &Sampler{interval: interval}
}

// Allow reports whether an event at now may be logged.
func (s *Sampler) Allow(now time.Time) bool {
	if s.interval <= 0 {
		return true
	}
	ts := now.UnixNano()
	for {
		last := s.last.Load()
		if last != 0 && ts-last < int64(s.interval) {
			return false
		}
		if s.last.CompareAndSwap(last, ts) {
			return true
		}
	}
}
