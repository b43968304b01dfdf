package patharchivemetrics

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// Metrics defines the interface for collecting and reporting archive
// writing statistics.
type Metrics interface {
	AddEntriesAdded(n int64)
	AddEntriesFailed(n int64)
	AddBytesRead(n int64)
	AddBytesWritten(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// ArchiveMetrics holds the atomic counters for one archive-writing run.
// It is the concrete implementation of the Metrics interface.
type ArchiveMetrics struct {
	EntriesAdded  atomic.Int64
	EntriesFailed atomic.Int64
	BytesRead     atomic.Int64
	BytesWritten  atomic.Int64

	stopChan chan struct{}
}

func (m *ArchiveMetrics) AddEntriesAdded(n int64)  { m.EntriesAdded.Add(n) }
func (m *ArchiveMetrics) AddEntriesFailed(n int64) { m.EntriesFailed.Add(n) }
func (m *ArchiveMetrics) AddBytesRead(n int64)     { m.BytesRead.Add(n) }
func (m *ArchiveMetrics) AddBytesWritten(n int64)  { m.BytesWritten.Add(n) }

func (m *ArchiveMetrics) StartProgress(msg string, interval time.Duration) {
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *ArchiveMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
	}
}

// LogSummary logs the current state of the metrics.
// This can be called by a background ticker or at the end of the run.
func (m *ArchiveMetrics) LogSummary(msg string) {
	read := m.BytesRead.Load()
	written := m.BytesWritten.Load()

	// Calculate compression ratio (avoid division by zero)
	var ratio float64
	if read > 0 {
		ratio = float64(written) / float64(read) * 100.0
	}

	plog.Info(msg,
		"entries_added", m.EntriesAdded.Load(),
		"entries_failed", m.EntriesFailed.Load(),
		"bytes_read", util.ByteCountIEC(read),
		"bytes_written", util.ByteCountIEC(written),
		"ratio_pct", fmt.Sprintf("%.2f%%", ratio),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddEntriesAdded(n int64)                          {}
func (m *NoopMetrics) AddEntriesFailed(n int64)                         {}
func (m *NoopMetrics) AddBytesRead(n int64)                             {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*ArchiveMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
