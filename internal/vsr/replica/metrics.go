package replica

import (
	"time"

	"vsr-engine/internal/vsr"
)

// MetricsCollector is an optional sink for protocol metrics
type MetricsCollector interface {
	RecordPrepare()
	RecordCommit(latency time.Duration)
	RecordViewChange(duration time.Duration)
	RecordRepair(latency time.Duration, ok bool)
	RecordRejected(kind vsr.MessageKind)
}

type noopMetrics struct{}

func (noopMetrics) RecordPrepare()                   {}
func (noopMetrics) RecordCommit(time.Duration)       {}
func (noopMetrics) RecordViewChange(time.Duration)   {}
func (noopMetrics) RecordRepair(time.Duration, bool) {}
func (noopMetrics) RecordRejected(vsr.MessageKind)   {}
