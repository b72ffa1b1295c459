package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	// MetricCPU is the tracker name for CPU utilisation.
	MetricCPU = "cpu_percent"
	// MetricRAM is the tracker name for memory utilisation.
	MetricRAM = "ram_percent"

	subscriberBuffer = 4
)

// Options configures the monitor.
type Options struct {
	// Interval specifies how long to wait between samples (default: 2s).
	Interval time.Duration
	// MaxSamples specifies maximum number of samples to keep (default: 600).
	MaxSamples int
	// Logger receives sampling errors (default: slog.Default()).
	Logger *slog.Logger
}

// Monitor samples host load in the background, keeps a bounded history and
// fans every sample out to subscribers.
type Monitor struct {
	sampler    Sampler
	interval   time.Duration
	maxSamples int
	logger     *slog.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	startTime time.Time
	running   bool

	samples  []Load
	trackers map[string]*MetricTracker
	errors   int64
	subs     []chan Load
}

// MetricTracker tracks statistics for a sampled metric over the sample window.
type MetricTracker struct {
	name   string
	values []float64
	sum    float64
	count  int64
}

// Stat is a snapshot of a MetricTracker.
type Stat struct {
	Name    string
	Avg     float64
	Min     float64
	Max     float64
	Samples int
	Count   int64
}

// New creates a monitor around a sampler.
//
// Arguments:
// - sampler: The load source.
// - opts: Configuration options for the monitor.
//
// Returns:
// - A configured Monitor instance
func New(sampler Sampler, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 600
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Monitor{
		sampler:    sampler,
		interval:   opts.Interval,
		maxSamples: opts.MaxSamples,
		logger:     opts.Logger,
		samples:    make([]Load, 0, opts.MaxSamples),
		trackers:   make(map[string]*MetricTracker),
	}
}

// Subscribe returns a channel that receives every future sample. A subscriber
// that falls behind misses samples rather than stalling the monitor. The
// channel is closed by Stop.
func (m *Monitor) Subscribe() <-chan Load {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Load, subscriberBuffer)
	m.subs = append(m.subs, ch)
	return ch
}

// Start begins sampling. Calling Start on a running monitor does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.startTime = time.Now()

	m.wg.Add(1)
	go m.sampleLoop(ctx)
}

// Stop stops sampling, waits for the loop to exit and closes subscriber channels.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.mu.Unlock()
}

// sampleLoop takes a sample immediately and then once per interval.
func (m *Monitor) sampleLoop(ctx context.Context) {
	defer m.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.sampleOnce(ctx)
			timer.Reset(m.interval)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	load, err := m.sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		m.errors++
		m.mu.Unlock()
		m.logger.Warn("load sample failed", "error", err)
		return
	}
	m.Record(load)
}

// Record adds a sample to the history and delivers it to subscribers.
func (m *Monitor) Record(load Load) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, load)
	if len(m.samples) > m.maxSamples {
		m.samples = m.samples[1:]
	}

	m.track(MetricCPU, load.CPUPercent)
	m.track(MetricRAM, load.RAMPercent)

	for _, ch := range m.subs {
		select {
		case ch <- load:
		default:
		}
	}
}

func (m *Monitor) track(name string, value float64) {
	tracker, exists := m.trackers[name]
	if !exists {
		tracker = &MetricTracker{
			name:   name,
			values: make([]float64, 0, m.maxSamples),
		}
		m.trackers[name] = tracker
	}

	tracker.values = append(tracker.values, value)
	if len(tracker.values) > m.maxSamples {
		// Remove oldest sample
		tracker.sum -= tracker.values[0]
		tracker.values = tracker.values[1:]
	}

	tracker.sum += value
	tracker.count++
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (Load, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.samples) == 0 {
		return Load{}, false
	}
	return m.samples[len(m.samples)-1], true
}

// Samples returns a copy of the retained samples, oldest first.
func (m *Monitor) Samples() []Load {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Load, len(m.samples))
	copy(out, m.samples)
	return out
}

// Errors returns how many samples have failed.
func (m *Monitor) Errors() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errors
}

// Stats returns a snapshot of every tracked metric, sorted by name.
func (m *Monitor) Stats() []Stat {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]Stat, 0, len(m.trackers))
	for name, tracker := range m.trackers {
		if len(tracker.values) == 0 {
			continue
		}
		stats = append(stats, Stat{
			Name:    name,
			Avg:     tracker.sum / float64(len(tracker.values)),
			Min:     slices.Min(tracker.values),
			Max:     slices.Max(tracker.values),
			Samples: len(tracker.values),
			Count:   tracker.count,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Report renders a human readable status report.
func (m *Monitor) Report() string {
	var b strings.Builder

	m.mu.RLock()
	uptime := time.Duration(0)
	if !m.startTime.IsZero() {
		uptime = time.Since(m.startTime)
	}
	errs := m.errors
	var latest *Load
	if len(m.samples) > 0 {
		l := m.samples[len(m.samples)-1]
		latest = &l
	}
	m.mu.RUnlock()

	fmt.Fprintf(&b, "LOAD MONITOR REPORT - %s\n", time.Now().Format("15:04:05.000"))
	fmt.Fprintf(&b, "Uptime: %v\n", uptime.Truncate(time.Millisecond))
	fmt.Fprintf(&b, "Sample errors: %d\n", errs)

	if latest != nil {
		fmt.Fprintf(&b, "\nLATEST:\n")
		fmt.Fprintf(&b, "  CPU: %.1f%%\n", latest.CPUPercent)
		fmt.Fprintf(&b, "  RAM: %.1f%% (%s / %s)\n", latest.RAMPercent,
			humanize.IBytes(latest.RAMUsed), humanize.IBytes(latest.RAMTotal))
	}

	if stats := m.Stats(); len(stats) > 0 {
		fmt.Fprintf(&b, "\nWINDOW:\n")
		for _, s := range stats {
			fmt.Fprintf(&b, "  %s: avg=%.2f, min=%.2f, max=%.2f, samples=%d\n",
				s.Name, s.Avg, s.Min, s.Max, s.Samples)
		}
	}

	return b.String()
}
