// Package supervisor runs the detector profile that matches the host load.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nvr-ai/loadswitch/config"
	"github.com/nvr-ai/loadswitch/controller"
	"github.com/nvr-ai/loadswitch/history"
	"github.com/nvr-ai/loadswitch/launcher"
	"github.com/nvr-ai/loadswitch/metrics"
	"github.com/nvr-ai/loadswitch/monitor"
	"github.com/nvr-ai/loadswitch/source"
	"github.com/pkg/errors"
)

// Options wires the supervisor's collaborators.
type Options struct {
	Config   *config.Config
	Sampler  monitor.Sampler
	Prober   source.Prober
	Recorder history.Recorder
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// Report receives the monitor's status report when Watch returns. Nil disables it.
	Report io.Writer
}

// Supervisor selects and runs detector profiles.
type Supervisor struct {
	cfg        *config.Config
	thresholds controller.Thresholds
	sampler    monitor.Sampler
	prober     source.Prober
	recorder   history.Recorder
	metrics    *metrics.Metrics
	logger     *slog.Logger
	report     io.Writer
}

// Outcome is the result of a single Once invocation.
type Outcome struct {
	Mode      controller.Mode
	Load      monitor.Load
	Source    source.Info
	Command   launcher.Command
	Result    launcher.Result
	OutputDir string
}

// New validates the options and builds a supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Config == nil {
		return nil, errors.New("supervisor: config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Sampler == nil {
		opts.Sampler = monitor.NewSystemSampler(opts.Config.Sampling.CPUWindow)
	}
	if opts.Prober == nil {
		opts.Prober = source.Stat
	}
	if opts.Recorder == nil {
		opts.Recorder = history.NopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Supervisor{
		cfg:        opts.Config,
		thresholds: opts.Config.ControllerThresholds(),
		sampler:    opts.Sampler,
		prober:     opts.Prober,
		recorder:   opts.Recorder,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		report:     opts.Report,
	}, nil
}

// Command builds the command line for a mode.
func (s *Supervisor) Command(mode controller.Mode) (launcher.Command, error) {
	return launcher.Build(s.cfg.Interpreter, s.cfg.Profile(mode), s.cfg.Source, s.cfg.OutputDir)
}

// Select takes one load sample and classifies it with no debounce.
func (s *Supervisor) Select(ctx context.Context) (controller.Mode, monitor.Load, error) {
	load, err := s.sampler.Sample(ctx)
	if err != nil {
		return 0, monitor.Load{}, errors.Wrap(err, "sample load")
	}

	mode := s.thresholds.Classify(load)
	s.observe(load, mode)
	s.logger.Info("load sampled", "cpu", fmt.Sprintf("%.1f%%", load.CPUPercent), "ram", fmt.Sprintf("%.1f%%", load.RAMPercent))
	s.logSelection(mode)

	return mode, load, nil
}

// Once samples the load, runs the matching profile to completion and reports
// where its results were written.
func (s *Supervisor) Once(ctx context.Context) (Outcome, error) {
	mode, load, err := s.Select(ctx)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Mode: mode, Load: load}

	out.Source, err = s.prober.Probe(ctx, s.cfg.Source)
	if err != nil {
		return out, errors.Wrap(err, "probe source")
	}
	s.logger.Info("source ready", "source", out.Source.String())

	out.Command, err = s.Command(mode)
	if err != nil {
		return out, err
	}
	out.OutputDir = out.Command.OutputDir

	s.logger.Info("running detector", "profile", out.Command.Profile, "script", out.Command.Script())
	out.Result, err = launcher.Run(ctx, out.Command, s.logger)
	if out.Result.PID != 0 {
		s.finish(ctx, mode, load, out.Result)
	}
	if err != nil {
		s.logger.Error("inference failed", "profile", out.Command.Profile, "error", err)
		return out, err
	}

	s.logger.Info("done", "results", out.OutputDir, "duration", out.Result.Duration().Truncate(time.Millisecond))
	return out, nil
}

// running is the child currently owned by Watch.
type running struct {
	proc *launcher.Process
	mode controller.Mode
	load monitor.Load
}

// Watch keeps one detector alive for the current mode and swaps it whenever
// the controller commits a switch. It returns nil when ctx is cancelled.
func (s *Supervisor) Watch(ctx context.Context) error {
	info, err := s.prober.Probe(ctx, s.cfg.Source)
	if err != nil {
		return errors.Wrap(err, "probe source")
	}
	s.logger.Info("source ready", "source", info.String())

	mon := monitor.New(s.sampler, monitor.Options{
		Interval:   s.cfg.Sampling.Interval,
		MaxSamples: s.cfg.Sampling.MaxSamples,
		Logger:     s.logger,
	})
	samples := mon.Subscribe()
	mon.Start(ctx)
	defer func() {
		mon.Stop()
		if s.report != nil {
			fmt.Fprint(s.report, mon.Report())
		}
	}()

	var first monitor.Load
	select {
	case <-ctx.Done():
		return nil
	case l, ok := <-samples:
		if !ok {
			return nil
		}
		first = l
	}

	ctrl := controller.New(s.thresholds, s.thresholds.Classify(first))
	mode := ctrl.Current()
	s.observe(first, mode)
	s.logSelection(mode)

	cur, err := s.start(ctx, mode, first)
	if err != nil {
		return err
	}

	var restart <-chan time.Time
	for {
		var done <-chan struct{}
		if cur != nil {
			done = cur.proc.Done()
		}

		select {
		case <-ctx.Done():
			s.stop(ctx, cur)
			return nil

		case load, ok := <-samples:
			if !ok {
				s.stop(ctx, cur)
				return nil
			}

			next, switched := ctrl.Decide(load)
			s.observe(load, next)
			if !switched {
				continue
			}

			s.logger.Info("mode switch",
				"from", mode.String(), "to", next.String(),
				"cpu", load.CPUPercent, "ram", load.RAMPercent)
			s.recordSwitch(ctx, mode, next, load)
			s.logSelection(next)

			s.stop(ctx, cur)
			mode, restart = next, nil
			if cur, err = s.start(ctx, mode, load); err != nil {
				return err
			}

		case <-done:
			res := cur.proc.Wait()
			s.finish(ctx, cur.mode, cur.load, res)
			cur = nil

			if shouldRestart(s.cfg.Supervisor.Restart, res) {
				s.logger.Info("restarting detector", "mode", mode.String(), "delay", s.cfg.Supervisor.RestartDelay)
				restart = time.After(s.cfg.Supervisor.RestartDelay)
			} else {
				s.logger.Info("detector finished, waiting for next mode switch", "mode", mode.String())
			}

		case <-restart:
			restart = nil
			load, _ := mon.Latest()
			if cur, err = s.start(ctx, mode, load); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) start(ctx context.Context, mode controller.Mode, load monitor.Load) (*running, error) {
	cmd, err := s.Command(mode)
	if err != nil {
		return nil, err
	}

	proc, err := launcher.Start(ctx, cmd, s.logger)
	if err != nil {
		return nil, errors.Wrapf(err, "start %s detector", mode)
	}

	return &running{proc: proc, mode: mode, load: load}, nil
}

// stop terminates the child, if any, and records its run.
func (s *Supervisor) stop(ctx context.Context, cur *running) {
	if cur == nil {
		return
	}
	res := cur.proc.Stop(s.cfg.Supervisor.GracePeriod)
	s.finish(ctx, cur.mode, cur.load, res)
}

func (s *Supervisor) finish(ctx context.Context, mode controller.Mode, load monitor.Load, res launcher.Result) {
	run := &history.Run{
		Mode:       mode.String(),
		Profile:    res.Profile,
		PID:        res.PID,
		CPUPercent: load.CPUPercent,
		RAMPercent: load.RAMPercent,
		StartedAt:  res.Started,
		FinishedAt: res.Finished,
		ExitCode:   res.ExitCode,
		Stopped:    res.Stopped,
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}

	if err := s.recorder.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("failed to record run", "error", err)
	}

	if s.metrics != nil {
		outcome := metrics.OutcomeSuccess
		switch {
		case res.Stopped:
			outcome = metrics.OutcomeStopped
		case !res.Success():
			outcome = metrics.OutcomeFailure
		}
		s.metrics.Runs.WithLabelValues(mode.String(), outcome).Inc()
	}
}

func (s *Supervisor) recordSwitch(ctx context.Context, from, to controller.Mode, load monitor.Load) {
	sw := &history.Switch{
		From:       from.String(),
		To:         to.String(),
		CPUPercent: load.CPUPercent,
		RAMPercent: load.RAMPercent,
		At:         load.At,
	}
	if err := s.recorder.RecordSwitch(context.WithoutCancel(ctx), sw); err != nil {
		s.logger.Warn("failed to record switch", "error", err)
	}
	if s.metrics != nil {
		s.metrics.Switches.WithLabelValues(to.String()).Inc()
	}
}

func (s *Supervisor) observe(load monitor.Load, mode controller.Mode) {
	if s.metrics == nil {
		return
	}
	s.metrics.CPU.Set(load.CPUPercent)
	s.metrics.RAM.Set(load.RAMPercent)
	s.metrics.Mode.Set(float64(mode))
}

func (s *Supervisor) logSelection(mode controller.Mode) {
	p := s.cfg.Profile(mode)
	if mode == controller.ModeLight {
		s.logger.Info("high load, using light model", "profile", p.Name, "weights", p.Weights)
		return
	}
	s.logger.Info("sufficient resources, using heavy model", "profile", p.Name, "weights", p.Weights)
}

func shouldRestart(policy string, res launcher.Result) bool {
	switch policy {
	case config.RestartAlways:
		return true
	case config.RestartOnFailure:
		return !res.Success()
	default:
		return false
	}
}
