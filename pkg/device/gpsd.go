package device

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/geotrack/geotrack/pkg/logx"
	"github.com/geotrack/geotrack/pkg/retry"
)

// GPSD reads positions from a local gpsd through gpspipe's JSON stream
type GPSD struct {
	logger  *logx.Logger
	runner  *retry.Runner
	command string
	samples int
}

// NewGPSD creates a gpsd-backed locator
func NewGPSD(logger *logx.Logger) *GPSD {
	return &GPSD{
		logger:  logger,
		runner:  retry.NewRunner(retry.Config{MaxAttempts: 1}),
		command: "gpspipe",
		samples: 10,
	}
}

// tpv is the gpsd time-position-velocity report
type tpv struct {
	Class string   `json:"class"`
	Mode  int      `json:"mode"`
	Time  string   `json:"time"`
	Lat   *float64 `json:"lat"`
	Lon   *float64 `json:"lon"`
	Eph   float64  `json:"eph"`
	Epx   float64  `json:"epx"`
	Epy   float64  `json:"epy"`
}

// parseTPV decodes one gpspipe line. ok is false for non-TPV classes.
func parseTPV(line string) (fix Fix, ok bool, err error) {
	if !strings.Contains(line, `"TPV"`) {
		return Fix{}, false, nil
	}
	var r tpv
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return Fix{}, false, nil
	}
	if r.Class != "TPV" {
		return Fix{}, false, nil
	}
	if r.Mode < 2 || r.Lat == nil || r.Lon == nil {
		return Fix{}, true, NewError(PositionUnavailable, "gpsd reports no fix (mode %d)", r.Mode)
	}

	fix = Fix{Lat: *r.Lat, Lng: *r.Lon, Timestamp: time.Now()}
	if ts, perr := time.Parse(time.RFC3339Nano, r.Time); perr == nil {
		fix.Timestamp = ts
	}
	switch {
	case r.Eph > 0:
		fix.Accuracy = r.Eph
	default:
		fix.Accuracy = math.Max(r.Epx, r.Epy)
	}
	return fix, true, nil
}

// CurrentPosition reads a handful of reports and returns the first fix
func (g *GPSD) CurrentPosition(ctx context.Context, opts Options) (Fix, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	output, err := g.runner.Output(ctx, g.command, "-w", "-n", fmt.Sprint(g.samples))
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Fix{}, NewError(PositionUnavailable, "%s not installed", g.command)
		}
		return Fix{}, asPositionError(ctx, err)
	}

	var lastErr error = NewError(PositionUnavailable, "no TPV report from gpsd")
	for _, line := range strings.Split(string(output), "\n") {
		fix, ok, err := parseTPV(line)
		if !ok {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		if opts.MaxAge > 0 && time.Since(fix.Timestamp) > opts.MaxAge {
			lastErr = NewError(PositionUnavailable, "gpsd fix older than %s", opts.MaxAge)
			continue
		}
		g.logger.Debug("gpsd fix", "lat", fix.Lat, "lng", fix.Lng, "accuracy", fix.Accuracy)
		return fix, nil
	}
	return Fix{}, lastErr
}

// Permission always reports granted: gpsd has no consent model
func (g *GPSD) Permission(ctx context.Context) (Permission, error) {
	return PermissionGranted, nil
}

// Watch keeps gpspipe running and forwards every TPV report. A TIMEOUT
// event is emitted whenever opts.Timeout passes without a fix.
func (g *GPSD) Watch(ctx context.Context, opts Options) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, g.command, "-w")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open gpspipe output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, NewError(PositionUnavailable, "%s not installed", g.command)
		}
		return nil, fmt.Errorf("failed to start gpspipe: %w", err)
	}

	s := &streamWatch{
		events: make(chan Event, 4),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, cmd, stdout, opts.Timeout, g.logger)
	return s, nil
}

type streamWatch struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *streamWatch) run(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, timeout time.Duration, logger *logx.Logger) {
	defer close(s.done)
	defer close(s.events)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var timeoutC <-chan time.Time
	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	// Wait closes our end of the pipe, which unblocks the scanner
	stop := func() {
		_ = cmd.Wait()
		for range lines {
		}
	}

	emit := func(ev Event) bool {
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			return
		case <-timeoutC:
			if !emit(Event{Err: NewError(Timeout, "no gpsd fix within %s", timeout)}) {
				stop()
				return
			}
			timer.Reset(timeout)
		case line, ok := <-lines:
			if !ok {
				if err := cmd.Wait(); err != nil && ctx.Err() == nil {
					logger.Warn("gpspipe exited", "error", err)
					emit(Event{Err: NewError(PositionUnavailable, "gpspipe exited: %v", err)})
				}
				return
			}
			fix, isTPV, err := parseTPV(line)
			if !isTPV {
				continue
			}
			if err != nil {
				var pe *PositionError
				errors.As(err, &pe)
				if !emit(Event{Err: pe}) {
					stop()
					return
				}
				continue
			}
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(timeout)
			}
			if !emit(Event{Fix: fix}) {
				stop()
				return
			}
		}
	}
}

func (s *streamWatch) Events() <-chan Event { return s.events }

func (s *streamWatch) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}
