package pathwalk

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// Metrics defines the interface for collecting and reporting enumeration statistics.
type Metrics interface {
	AddFilesSeen(n int64)
	AddFilesHashed(n int64)
	AddBytesHashed(n int64)
	AddDirsSeen(n int64)
	AddFilesIgnored(n int64)
	AddDirsIgnored(n int64)
	AddSkipped(n int64)
	LogSummary(msg string)

	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// WalkMetrics holds the atomic counters for tracking the enumeration's progress.
// It is the concrete implementation of the Metrics interface.
type WalkMetrics struct {
	FilesSeen    atomic.Int64
	FilesHashed  atomic.Int64
	BytesHashed  atomic.Int64
	DirsSeen     atomic.Int64
	FilesIgnored atomic.Int64
	DirsIgnored  atomic.Int64
	Skipped      atomic.Int64

	stopChan  chan struct{}
	startTime time.Time
}

func (m *WalkMetrics) AddFilesSeen(n int64)    { m.FilesSeen.Add(n) }
func (m *WalkMetrics) AddFilesHashed(n int64)  { m.FilesHashed.Add(n) }
func (m *WalkMetrics) AddBytesHashed(n int64)  { m.BytesHashed.Add(n) }
func (m *WalkMetrics) AddDirsSeen(n int64)     { m.DirsSeen.Add(n) }
func (m *WalkMetrics) AddFilesIgnored(n int64) { m.FilesIgnored.Add(n) }
func (m *WalkMetrics) AddDirsIgnored(n int64)  { m.DirsIgnored.Add(n) }
func (m *WalkMetrics) AddSkipped(n int64)      { m.Skipped.Add(n) }

func (m *WalkMetrics) StartProgress(msg string, interval time.Duration) {
	m.startTime = time.Now()
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

func (m *WalkMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
	}
}

// LogSummary prints a summary of the enumeration with a custom message.
// This can be called by a background ticker or at the end of the run.
func (m *WalkMetrics) LogSummary(msg string) {
	duration := time.Duration(0)
	if !m.startTime.IsZero() {
		duration = time.Since(m.startTime)
	}

	plog.Info(msg,
		"files_seen", m.FilesSeen.Load(),
		"files_hashed", m.FilesHashed.Load(),
		"bytes_hashed", util.ByteCountIEC(m.BytesHashed.Load()),
		"dirs_seen", m.DirsSeen.Load(),
		"files_ignored", m.FilesIgnored.Load(),
		"dirs_ignored", m.DirsIgnored.Load(),
		"skipped", m.Skipped.Load(),
		"duration", duration.Round(time.Millisecond),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesSeen(n int64)                             {}
func (m *NoopMetrics) AddFilesHashed(n int64)                           {}
func (m *NoopMetrics) AddBytesHashed(n int64)                           {}
func (m *NoopMetrics) AddDirsSeen(n int64)                              {}
func (m *NoopMetrics) AddFilesIgnored(n int64)                          {}
func (m *NoopMetrics) AddDirsIgnored(n int64)                           {}
func (m *NoopMetrics) AddSkipped(n int64)                               {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*WalkMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
