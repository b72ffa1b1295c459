package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSampler returns the scripted loads in order, then repeats the last one.
type scriptedSampler struct {
	loads []Load
	calls atomic.Int64
	err   error
}

func (s *scriptedSampler) Sample(ctx context.Context) (Load, error) {
	n := int(s.calls.Add(1)) - 1
	if s.err != nil {
		return Load{}, s.err
	}
	if n >= len(s.loads) {
		n = len(s.loads) - 1
	}
	l := s.loads[n]
	l.At = time.Now()
	return l, nil
}

func TestMonitorDeliversSamples(t *testing.T) {
	sampler := &scriptedSampler{loads: []Load{
		{CPUPercent: 10, RAMPercent: 20},
		{CPUPercent: 50, RAMPercent: 70},
		{CPUPercent: 30, RAMPercent: 40},
	}}
	m := New(sampler, Options{Interval: 5 * time.Millisecond})
	ch := m.Subscribe()

	m.Start(context.Background())
	defer m.Stop()

	var got []float64
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case l := <-ch:
			got = append(got, l.CPUPercent)
		case <-timeout:
			t.Fatalf("timed out waiting for samples, got %v", got)
		}
	}

	assert.Equal(t, []float64{10, 50, 30}, got)
}

func TestMonitorStopClosesSubscribers(t *testing.T) {
	m := New(&scriptedSampler{loads: []Load{{CPUPercent: 1}}}, Options{Interval: time.Millisecond})
	ch := m.Subscribe()

	m.Start(context.Background())
	m.Start(context.Background()) // no-op while running
	m.Stop()
	m.Stop() // no-op once stopped

	for range ch {
	}
	_, ok := <-ch
	assert.False(t, ok)
}

func TestMonitorBoundedHistoryAndStats(t *testing.T) {
	m := New(nil, Options{MaxSamples: 3})

	for _, cpu := range []float64{10, 20, 30, 40, 50} {
		m.Record(Load{CPUPercent: cpu, RAMPercent: cpu * 2})
	}

	samples := m.Samples()
	require.Len(t, samples, 3)
	assert.Equal(t, 30.0, samples[0].CPUPercent)
	assert.Equal(t, 50.0, samples[2].CPUPercent)

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, 50.0, latest.CPUPercent)

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, MetricCPU, stats[0].Name)
	assert.InDelta(t, 40.0, stats[0].Avg, 1e-9)
	assert.Equal(t, 30.0, stats[0].Min)
	assert.Equal(t, 50.0, stats[0].Max)
	assert.Equal(t, 3, stats[0].Samples)
	assert.Equal(t, int64(5), stats[0].Count)
	assert.Equal(t, MetricRAM, stats[1].Name)
	assert.InDelta(t, 80.0, stats[1].Avg, 1e-9)
}

func TestMonitorStatsForgetEvictedExtremes(t *testing.T) {
	m := New(nil, Options{MaxSamples: 2})

	for _, cpu := range []float64{99, 10, 20} {
		m.Record(Load{CPUPercent: cpu})
	}

	stats := m.Stats()
	require.NotEmpty(t, stats)
	cpu := stats[0]
	assert.Equal(t, MetricCPU, cpu.Name)
	assert.InDelta(t, 15.0, cpu.Avg, 1e-9)
	assert.Equal(t, 10.0, cpu.Min)
	assert.Equal(t, 20.0, cpu.Max)
	assert.Equal(t, 2, cpu.Samples)
	assert.Equal(t, int64(3), cpu.Count)
	assert.Contains(t, m.Report(), "cpu_percent: avg=15.00, min=10.00, max=20.00, samples=2")
}

func TestMonitorCountsErrors(t *testing.T) {
	sampler := &scriptedSampler{err: errors.New("boom")}
	m := New(sampler, Options{Interval: time.Millisecond})

	m.Start(context.Background())
	require.Eventually(t, func() bool { return m.Errors() >= 3 }, 2*time.Second, 5*time.Millisecond)
	m.Stop()

	_, ok := m.Latest()
	assert.False(t, ok)
}

func TestMonitorSlowSubscriberDoesNotBlock(t *testing.T) {
	m := New(nil, Options{MaxSamples: 100})
	_ = m.Subscribe() // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			m.Record(Load{CPUPercent: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full subscriber")
	}
	assert.Len(t, m.Samples(), 50)
}

func TestMonitorReport(t *testing.T) {
	m := New(nil, Options{})
	m.Record(Load{CPUPercent: 12.5, RAMPercent: 50, RAMUsed: 4 << 30, RAMTotal: 8 << 30})

	report := m.Report()
	assert.Contains(t, report, "LOAD MONITOR REPORT")
	assert.Contains(t, report, "CPU: 12.5%")
	assert.Contains(t, report, "RAM: 50.0% (4.0 GiB / 8.0 GiB)")
	assert.Contains(t, report, "cpu_percent: avg=12.50")
}

func TestSamplerFunc(t *testing.T) {
	var s Sampler = SamplerFunc(func(context.Context) (Load, error) {
		return Load{CPUPercent: 42}, nil
	})
	l, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.0, l.CPUPercent)
}

func TestSystemSampler(t *testing.T) {
	if testing.Short() {
		t.Skip("samples the host for a CPU window")
	}

	s := NewSystemSampler(100 * time.Millisecond)
	l, err := s.Sample(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, l.CPUPercent, 0.0)
	assert.LessOrEqual(t, l.CPUPercent, 100.0)
	assert.Greater(t, l.RAMPercent, 0.0)
	assert.Greater(t, l.RAMTotal, uint64(0))
	assert.False(t, l.At.IsZero())
}
