// Package controller - This file contains the controller for choosing the detector profile from host load.
package controller

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nvr-ai/loadswitch/monitor"
	"github.com/pkg/errors"
)

// Mode is the detector profile the host can currently afford.
type Mode int

const (
	// ModeHeavy runs the large, accurate model. Selected while resources are sufficient.
	ModeHeavy Mode = iota
	// ModeLight runs the small, fast model. Selected under high load.
	ModeLight
)

// ErrUnknownMode is returned when a mode name cannot be parsed.
var ErrUnknownMode = errors.New("unknown mode")

// String returns the mode name used in config files and logs.
func (m Mode) String() string {
	switch m {
	case ModeHeavy:
		return "heavy"
	case ModeLight:
		return "light"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Other returns the opposite mode.
func (m Mode) Other() Mode {
	if m == ModeLight {
		return ModeHeavy
	}
	return ModeLight
}

// ParseMode parses "heavy" or "light" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "heavy":
		return ModeHeavy, nil
	case "light":
		return ModeLight, nil
	default:
		return 0, errors.Wrapf(ErrUnknownMode, "%q", s)
	}
}

// Thresholds is a configuration for the thresholds.
type Thresholds struct {
	// CPUPercent is the CPU utilisation above which the host is under high load.
	CPUPercent float64
	// RAMPercent is the memory utilisation above which the host is under high load.
	RAMPercent float64
	// ReleaseMargin is how far below both thresholds the load must fall before
	// leaving light mode.
	ReleaseMargin float64
	// ConfirmSamples is how many consecutive samples must agree before a switch is committed.
	ConfirmSamples int
}

// Classify applies the raw threshold rule to a single sample with no state.
//
// Values exactly at a threshold count as sufficient resources.
func (t Thresholds) Classify(load monitor.Load) Mode {
	if load.CPUPercent > t.CPUPercent || load.RAMPercent > t.RAMPercent {
		return ModeLight
	}
	return ModeHeavy
}

// released reports whether the load is inside the band that allows leaving light mode.
func (t Thresholds) released(load monitor.Load) bool {
	return load.CPUPercent <= t.CPUPercent-t.ReleaseMargin &&
		load.RAMPercent <= t.RAMPercent-t.ReleaseMargin
}

// Controller debounces mode changes so a noisy load signal does not thrash
// the child process.
type Controller struct {
	mu         sync.Mutex
	thresholds Thresholds
	current    Mode
	pending    int
}

// New creates a controller starting in the given mode.
//
// Arguments:
//   - thresholds: The thresholds to classify samples with.
//   - initial: The mode the controller starts in.
//
// Returns:
//   - *Controller: The controller.
func New(thresholds Thresholds, initial Mode) *Controller {
	return &Controller{
		thresholds: thresholds,
		current:    initial,
	}
}

// Decide feeds one load sample to the controller.
//
// Arguments:
//   - load: The load sample to decide on.
//
// Returns:
//   - Mode: The current mode after this sample.
//   - bool: True when this sample committed a switch.
func (c *Controller) Decide(load monitor.Load) (Mode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.desired(load)
	if next == c.current {
		c.pending = 0
		return c.current, false
	}

	c.pending++
	if c.pending >= c.thresholds.ConfirmSamples {
		c.current = next
		c.pending = 0
		return c.current, true
	}

	return c.current, false
}

func (c *Controller) desired(load monitor.Load) Mode {
	if c.current == ModeLight {
		if c.thresholds.released(load) {
			return ModeHeavy
		}
		return ModeLight
	}
	return c.thresholds.Classify(load)
}

// Current returns the committed mode.
func (c *Controller) Current() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Pending returns how many consecutive samples have disagreed with the current mode.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Thresholds returns the thresholds the controller was built with.
func (c *Controller) Thresholds() Thresholds {
	return c.thresholds
}

// Reset forces the controller into a mode and clears any pending switch.
func (c *Controller) Reset(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = mode
	c.pending = 0
}
