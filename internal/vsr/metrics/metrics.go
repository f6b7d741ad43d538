package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"

	"vsr-engine/internal/vsr"
	"vsr-engine/internal/vsr/replica"
)

var _ replica.MetricsCollector = (*Metrics)(nil)

const sampleSize = 10000

// Metrics collects protocol metrics of one replica. Counters and gauges are exported in the Prometheus text
// format, durations are sampled into histograms for the human readable Report.
type Metrics struct {
	replica vsr.ReplicaID
	set     *vm.Set

	prepares      *vm.Counter
	commits       *vm.Counter
	viewChanges   *vm.Counter
	repairsOK     *vm.Counter
	repairsFailed *vm.Counter

	rejectedMu sync.Mutex
	rejected   map[vsr.MessageKind]*vm.Counter

	view   atomic.Uint64
	op     atomic.Uint64
	commit atomic.Uint64

	registry          gometrics.Registry
	commitLatency     gometrics.Histogram
	viewChangeLatency gometrics.Histogram
	repairLatency     gometrics.Histogram

	startMu   sync.Mutex
	startTime time.Time
}

// NewMetrics creates a collector whose series are labelled with the replica id
func NewMetrics(id vsr.ReplicaID) *Metrics {
	m := &Metrics{
		replica:   id,
		set:       vm.NewSet(),
		rejected:  make(map[vsr.MessageKind]*vm.Counter),
		registry:  gometrics.NewRegistry(),
		startTime: time.Now(),
	}
	m.prepares = m.set.NewCounter(m.name("vsr_prepares_total", ""))
	m.commits = m.set.NewCounter(m.name("vsr_commits_total", ""))
	m.viewChanges = m.set.NewCounter(m.name("vsr_view_changes_total", ""))
	m.repairsOK = m.set.NewCounter(m.name("vsr_repairs_total", `result="ok"`))
	m.repairsFailed = m.set.NewCounter(m.name("vsr_repairs_total", `result="failed"`))
	m.set.NewGauge(m.name("vsr_view", ""), func() float64 { return float64(m.view.Load()) })
	m.set.NewGauge(m.name("vsr_op", ""), func() float64 { return float64(m.op.Load()) })
	m.set.NewGauge(m.name("vsr_commit", ""), func() float64 { return float64(m.commit.Load()) })

	m.commitLatency = m.histogram("commit_latency")
	m.viewChangeLatency = m.histogram("view_change_duration")
	m.repairLatency = m.histogram("repair_latency")
	return m
}

func (m *Metrics) name(metric, labels string) string {
	if labels == "" {
		return fmt.Sprintf(`%s{replica="%d"}`, metric, m.replica)
	}
	return fmt.Sprintf(`%s{replica="%d",%s}`, metric, m.replica, labels)
}

func (m *Metrics) histogram(name string) gometrics.Histogram {
	h := gometrics.NewHistogram(gometrics.NewUniformSample(sampleSize))
	// names are unique per registry
	_ = m.registry.Register(name, h)
	return h
}

func (m *Metrics) RecordPrepare() {
	m.prepares.Inc()
}

func (m *Metrics) RecordCommit(latency time.Duration) {
	m.commits.Inc()
	m.commitLatency.Update(int64(latency))
}

func (m *Metrics) RecordViewChange(duration time.Duration) {
	m.viewChanges.Inc()
	m.viewChangeLatency.Update(int64(duration))
}

func (m *Metrics) RecordRepair(latency time.Duration, ok bool) {
	if !ok {
		m.repairsFailed.Inc()
		return
	}
	m.repairsOK.Inc()
	m.repairLatency.Update(int64(latency))
}

func (m *Metrics) RecordRejected(kind vsr.MessageKind) {
	m.rejectedMu.Lock()
	c, ok := m.rejected[kind]
	if !ok {
		c = m.set.GetOrCreateCounter(m.name("vsr_rejected_messages_total", fmt.Sprintf(`kind=%q`, kind.String())))
		m.rejected[kind] = c
	}
	m.rejectedMu.Unlock()
	c.Inc()
}

// ObserveProgress updates the view, op and commit gauges
func (m *Metrics) ObserveProgress(view vsr.ViewNumber, op, commit vsr.OpNumber) {
	m.view.Store(uint64(view))
	m.op.Store(uint64(op))
	m.commit.Store(uint64(commit))
}

// WritePrometheus writes every series of the replica in the Prometheus text format
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// Registry exposes the histogram registry, e.g. for gometrics.WriteOnce
func (m *Metrics) Registry() gometrics.Registry {
	return m.registry
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int64   `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

func statsOf(h gometrics.Histogram) LatencyStats {
	s := h.Snapshot()
	if s.Count() == 0 {
		return LatencyStats{}
	}
	ps := s.Percentiles([]float64{0.5, 0.95, 0.99})
	return LatencyStats{
		Count:  s.Count(),
		Min:    toMillis(float64(s.Min())),
		Max:    toMillis(float64(s.Max())),
		Mean:   toMillis(s.Mean()),
		P50:    toMillis(ps[0]),
		P95:    toMillis(ps[1]),
		P99:    toMillis(ps[2]),
		StdDev: toMillis(s.StdDev()),
	}
}

func toMillis(ns float64) float64 {
	return ns / float64(time.Millisecond)
}

// Report contains all collected metrics
type Report struct {
	Replica      vsr.ReplicaID `json:"replica"`
	TestDuration float64       `json:"duration_seconds"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`

	View   uint64 `json:"view"`
	Op     uint64 `json:"op"`
	Commit uint64 `json:"commit"`

	Prepares         uint64       `json:"prepares"`
	Commits          uint64       `json:"commits"`
	ThroughputOpsSec float64      `json:"throughput_ops_per_sec"`
	CommitLatency    LatencyStats `json:"commit_latency"`

	ViewChanges     uint64       `json:"view_changes"`
	ViewChangeStats LatencyStats `json:"view_change_stats"`

	RepairsOK     uint64       `json:"repairs_ok"`
	RepairsFailed uint64       `json:"repairs_failed"`
	RepairLatency LatencyStats `json:"repair_latency"`

	Rejected map[string]uint64 `json:"rejected"`
}

// GetReport snapshots every metric
func (m *Metrics) GetReport() Report {
	m.startMu.Lock()
	start := m.startTime
	m.startMu.Unlock()
	end := time.Now()
	elapsed := end.Sub(start).Seconds()

	r := Report{
		Replica:         m.replica,
		TestDuration:    elapsed,
		StartTime:       start,
		EndTime:         end,
		View:            m.view.Load(),
		Op:              m.op.Load(),
		Commit:          m.commit.Load(),
		Prepares:        m.prepares.Get(),
		Commits:         m.commits.Get(),
		CommitLatency:   statsOf(m.commitLatency),
		ViewChanges:     m.viewChanges.Get(),
		ViewChangeStats: statsOf(m.viewChangeLatency),
		RepairsOK:       m.repairsOK.Get(),
		RepairsFailed:   m.repairsFailed.Get(),
		RepairLatency:   statsOf(m.repairLatency),
		Rejected:        make(map[string]uint64),
	}
	if elapsed > 0 {
		r.ThroughputOpsSec = float64(r.Commits) / elapsed
	}
	m.rejectedMu.Lock()
	for kind, c := range m.rejected {
		r.Rejected[kind.String()] = c.Get()
	}
	m.rejectedMu.Unlock()
	return r
}

// PrintReport writes the report in a human-readable format
func (r *Report) PrintReport(w io.Writer) {
	line := "=================================================="
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "VSR REPLICA %s REPORT\n", r.Replica)
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "  Duration: %.2f seconds\n", r.TestDuration)
	fmt.Fprintf(w, "  View: %d  Op: %d  Commit: %d\n", r.View, r.Op, r.Commit)

	fmt.Fprintf(w, "\nThroughput:\n")
	fmt.Fprintf(w, "  Prepares: %d\n", r.Prepares)
	fmt.Fprintf(w, "  Commits: %d\n", r.Commits)
	fmt.Fprintf(w, "  Throughput: %.2f ops/sec\n", r.ThroughputOpsSec)

	printStats(w, "Commit Latency (prepare to commit)", r.CommitLatency)

	fmt.Fprintf(w, "\nView Changes: %d\n", r.ViewChanges)
	if r.ViewChangeStats.Count > 0 {
		fmt.Fprintf(w, "  Avg Duration: %.3f ms\n", r.ViewChangeStats.Mean)
		fmt.Fprintf(w, "  P95 Duration: %.3f ms\n", r.ViewChangeStats.P95)
	}

	fmt.Fprintf(w, "\nRepairs: %d ok, %d failed\n", r.RepairsOK, r.RepairsFailed)
	printStats(w, "Repair Latency", r.RepairLatency)

	if len(r.Rejected) > 0 {
		fmt.Fprintf(w, "\nRejected Messages:\n")
		for kind, n := range r.Rejected {
			fmt.Fprintf(w, "  %s: %d\n", kind, n)
		}
	}
	fmt.Fprintln(w, line)
}

func printStats(w io.Writer, title string, s LatencyStats) {
	fmt.Fprintf(w, "\n%s:\n", title)
	if s.Count == 0 {
		fmt.Fprintf(w, "  No data collected\n")
		return
	}
	fmt.Fprintf(w, "  Count: %d\n", s.Count)
	fmt.Fprintf(w, "  Min: %.3f ms\n", s.Min)
	fmt.Fprintf(w, "  Mean: %.3f ms\n", s.Mean)
	fmt.Fprintf(w, "  P50: %.3f ms\n", s.P50)
	fmt.Fprintf(w, "  P95: %.3f ms\n", s.P95)
	fmt.Fprintf(w, "  P99: %.3f ms\n", s.P99)
	fmt.Fprintf(w, "  Max: %.3f ms\n", s.Max)
}

// SaveJSON writes the report to a JSON file
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Reset clears the histograms and restarts the throughput window. Prometheus counters are monotonic and keep
// their values.
func (m *Metrics) Reset() {
	m.commitLatency.Clear()
	m.viewChangeLatency.Clear()
	m.repairLatency.Clear()
	m.startMu.Lock()
	m.startTime = time.Now()
	m.startMu.Unlock()
}
