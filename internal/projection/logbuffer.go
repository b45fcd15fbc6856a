package projection

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry is one buffered log line.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// LogBuffer is a logrus hook that keeps the most recent log lines in
// memory for the log tail endpoint.
type LogBuffer struct {
	entries *ring[LogEntry]
}

// NewLogBuffer returns a buffer holding up to capacity lines. Attach it
// with logger.AddHook.
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{entries: newRing[LogEntry](capacity)}
}

// Levels implements logrus.Hook.
func (b *LogBuffer) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (b *LogBuffer) Fire(entry *logrus.Entry) error {
	line := LogEntry{
		Time:    entry.Time,
		Level:   entry.Level.String(),
		Message: entry.Message,
	}
	if len(entry.Data) > 0 {
		fields := make(map[string]any, len(entry.Data))
		for k, v := range entry.Data {
			switch val := v.(type) {
			case error:
				fields[k] = val.Error()
			case string, bool, int, int64, float64, time.Duration:
				fields[k] = val
			default:
				fields[k] = fmt.Sprint(val)
			}
		}
		line.Fields = fields
	}
	b.entries.add(line)
	return nil
}

// Snapshot returns the buffered lines, newest first.
func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.snapshot()
}

var _ logrus.Hook = (*LogBuffer)(nil)
