// Package controller - Testing for the load controller with hysteresis validation
package controller

import (
	"sync"
	"testing"

	"github.com/nvr-ai/loadswitch/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(cpu, ram float64) monitor.Load {
	return monitor.Load{CPUPercent: cpu, RAMPercent: ram}
}

var defaultThresholds = Thresholds{
	CPUPercent:     40,
	RAMPercent:     60,
	ReleaseMargin:  5,
	ConfirmSamples: 3,
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		load     monitor.Load
		expected Mode
	}{
		{"idle host", load(5, 20), ModeHeavy},
		{"cpu above threshold", load(40.1, 20), ModeLight},
		{"ram above threshold", load(5, 75), ModeLight},
		{"both above threshold", load(90, 90), ModeLight},
		{"exactly at thresholds", load(40, 60), ModeHeavy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, defaultThresholds.Classify(tt.load))
		})
	}
}

// TestHysteresisValidation tests the confirmation requirement
func TestHysteresisValidation(t *testing.T) {
	tests := []struct {
		name             string
		loads            []monitor.Load
		initial          Mode
		thresholds       Thresholds
		expectedModes    []Mode
		expectedPending  []int
		expectedSwitches []bool
	}{
		{
			name:             "Basic hysteresis with 3-sample confirmation",
			loads:            []monitor.Load{load(80, 30), load(80, 30), load(80, 30), load(10, 30), load(10, 30), load(10, 30)},
			initial:          ModeHeavy,
			thresholds:       defaultThresholds,
			expectedModes:    []Mode{ModeHeavy, ModeHeavy, ModeLight, ModeLight, ModeLight, ModeHeavy},
			expectedPending:  []int{1, 2, 0, 1, 2, 0},
			expectedSwitches: []bool{false, false, true, false, false, true},
		},
		{
			name:             "Memory pressure alone switches to light",
			loads:            []monitor.Load{load(10, 70), load(10, 70), load(10, 70)},
			initial:          ModeHeavy,
			thresholds:       defaultThresholds,
			expectedModes:    []Mode{ModeHeavy, ModeHeavy, ModeLight},
			expectedPending:  []int{1, 2, 0},
			expectedSwitches: []bool{false, false, true},
		},
		{
			name:             "Oscillating conditions reset hysteresis",
			loads:            []monitor.Load{load(80, 30), load(10, 30), load(80, 30), load(10, 30), load(80, 30), load(10, 30)},
			initial:          ModeHeavy,
			thresholds:       defaultThresholds,
			expectedModes:    []Mode{ModeHeavy, ModeHeavy, ModeHeavy, ModeHeavy, ModeHeavy, ModeHeavy},
			expectedPending:  []int{1, 0, 1, 0, 1, 0},
			expectedSwitches: []bool{false, false, false, false, false, false},
		},
		{
			name:             "Release band keeps light mode",
			loads:            []monitor.Load{load(38, 30), load(38, 30), load(38, 30), load(34, 30)},
			initial:          ModeLight,
			thresholds:       Thresholds{CPUPercent: 40, RAMPercent: 60, ReleaseMargin: 5, ConfirmSamples: 1},
			expectedModes:    []Mode{ModeLight, ModeLight, ModeLight, ModeHeavy},
			expectedPending:  []int{0, 0, 0, 0},
			expectedSwitches: []bool{false, false, false, true},
		},
		{
			name:             "Release requires both metrics inside the band",
			loads:            []monitor.Load{load(10, 58), load(10, 55)},
			initial:          ModeLight,
			thresholds:       Thresholds{CPUPercent: 40, RAMPercent: 60, ReleaseMargin: 5, ConfirmSamples: 1},
			expectedModes:    []Mode{ModeLight, ModeHeavy},
			expectedPending:  []int{0, 0},
			expectedSwitches: []bool{false, true},
		},
		{
			name:             "Single sample confirmation",
			loads:            []monitor.Load{load(80, 30), load(10, 30)},
			initial:          ModeHeavy,
			thresholds:       Thresholds{CPUPercent: 40, RAMPercent: 60, ConfirmSamples: 1},
			expectedModes:    []Mode{ModeLight, ModeHeavy},
			expectedPending:  []int{0, 0},
			expectedSwitches: []bool{true, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.thresholds, tt.initial)

			for i, l := range tt.loads {
				mode, switched := c.Decide(l)

				assert.Equal(t, tt.expectedModes[i], mode,
					"Sample %d: expected mode %v, got %v", i, tt.expectedModes[i], mode)
				assert.Equal(t, tt.expectedModes[i], c.Current())
				assert.Equal(t, tt.expectedPending[i], c.Pending(),
					"Sample %d: expected pending %d, got %d", i, tt.expectedPending[i], c.Pending())
				assert.Equal(t, tt.expectedSwitches[i], switched, "Sample %d", i)
			}
		})
	}
}

// TestHysteresisStability tests that hysteresis prevents rapid switching
func TestHysteresisStability(t *testing.T) {
	c := New(defaultThresholds, ModeHeavy)
	loads := []monitor.Load{
		load(80, 30), load(10, 30), load(90, 30), load(5, 30),
		load(85, 30), load(10, 30), load(80, 30), load(10, 30),
	}

	switches := 0
	for _, l := range loads {
		if _, switched := c.Decide(l); switched {
			switches++
		}
	}

	assert.Equal(t, 0, switches, "alternating samples must never switch with confirmation >= 2")
	assert.Equal(t, ModeHeavy, c.Current())
}

// TestNoMarginSingleSampleMatchesClassify tests that the controller degenerates
// to the raw rule when hysteresis is disabled.
func TestNoMarginSingleSampleMatchesClassify(t *testing.T) {
	th := Thresholds{CPUPercent: 40, RAMPercent: 60, ConfirmSamples: 1}
	c := New(th, ModeHeavy)

	for _, l := range []monitor.Load{
		load(10, 10), load(41, 10), load(40, 60), load(10, 61), load(39, 59), load(100, 100), load(0, 0),
	} {
		mode, _ := c.Decide(l)
		assert.Equal(t, th.Classify(l), mode, "load %+v", l)
	}
}

// TestHysteresisEdgeCases tests edge cases in hysteresis logic
func TestHysteresisEdgeCases(t *testing.T) {
	t.Run("Zero confirmation samples switches immediately", func(t *testing.T) {
		c := New(Thresholds{CPUPercent: 40, RAMPercent: 60}, ModeHeavy)

		mode, switched := c.Decide(load(80, 30))
		assert.True(t, switched)
		assert.Equal(t, ModeLight, mode)

		mode, switched = c.Decide(load(10, 30))
		assert.True(t, switched)
		assert.Equal(t, ModeHeavy, mode)
	})

	t.Run("Same mode maintains zero pending count", func(t *testing.T) {
		c := New(defaultThresholds, ModeHeavy)
		for i := 0; i < 3; i++ {
			mode, switched := c.Decide(load(10, 10))
			assert.Equal(t, ModeHeavy, mode)
			assert.False(t, switched)
			assert.Equal(t, 0, c.Pending())
		}
	})

	t.Run("Reset clears pending switch", func(t *testing.T) {
		c := New(defaultThresholds, ModeHeavy)
		c.Decide(load(80, 30))
		c.Decide(load(80, 30))
		require.Equal(t, 2, c.Pending())

		c.Reset(ModeLight)
		assert.Equal(t, ModeLight, c.Current())
		assert.Equal(t, 0, c.Pending())
	})
}

func TestDecideConcurrentAccess(t *testing.T) {
	c := New(defaultThresholds, ModeHeavy)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Decide(load(float64((i*j)%100), 30))
				_ = c.Current()
			}
		}(i)
	}
	wg.Wait()

	assert.Contains(t, []Mode{ModeHeavy, ModeLight}, c.Current())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Heavy")
	require.NoError(t, err)
	assert.Equal(t, ModeHeavy, m)

	m, err = ParseMode(" light ")
	require.NoError(t, err)
	assert.Equal(t, ModeLight, m)

	_, err = ParseMode("medium")
	assert.ErrorIs(t, err, ErrUnknownMode)

	assert.Equal(t, "heavy", ModeHeavy.String())
	assert.Equal(t, "light", ModeLight.String())
	assert.Equal(t, ModeHeavy, ModeLight.Other())
	assert.Equal(t, ModeLight, ModeHeavy.Other())
}
