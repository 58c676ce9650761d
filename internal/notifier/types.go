package notifier

import (
	"fmt"
	"strings"
	"time"
)

// Severity orders messages for sink thresholds.
type Severity int

const (
	Info Severity = iota
	Success
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Success:
		return "success"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// ParseSeverity accepts the names produced by String. Empty means Info.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return Info, nil
	case "success":
		return Success, nil
	case "warning", "warn":
		return Warning, nil
	case "error":
		return Error, nil
	}
	return Info, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) icon() string {
	switch s {
	case Success:
		return "✅ "
	case Warning:
		return "⚠️ "
	case Error:
		return "🚨 "
	default:
		return "ℹ️ "
	}
}

// Message is one operator notification.
type Message struct {
	Text     string
	Severity Severity
	// Key overrides the dedup key (defaults to a hash of severity and text).
	Key string
}

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type HistoryItem struct {
	At       time.Time
	Severity Severity
	Text     string
}

// Event is the bus payload for notify.sent / notify.failed.
type Event struct {
	Sink     string    `json:"sink"`
	Severity string    `json:"severity"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
