// Package tracker runs a continuous tracking session: it watches the
// device, derives speed from consecutive fixes, adapts the sampling
// interval, buffers recent fixes, pushes significant updates to the
// position sink, and keeps the agent announced on the presence channel.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/geotrack/geotrack/pkg"
	"github.com/geotrack/geotrack/pkg/backend"
	"github.com/geotrack/geotrack/pkg/device"
	"github.com/geotrack/geotrack/pkg/geo"
	"github.com/geotrack/geotrack/pkg/logx"
	"github.com/geotrack/geotrack/pkg/metrics"
	"github.com/geotrack/geotrack/pkg/presence"
)

const (
	bufferCap  = 20
	bufferKeep = 10

	movingSpeed  = 0.5 // m/s
	pushMaxQuiet = 60 * time.Second
	minElapsed   = time.Second

	initialInterval = 5 * time.Second
)

// Config holds tracker tuning
type Config struct {
	AgentID        string
	ReconnectDelay time.Duration
	PushTimeout    time.Duration
	Now            func() time.Time
}

// Deps are the tracker's collaborators. Locator nil means the host has no
// geolocation; the others may be nil and are then skipped.
type Deps struct {
	Locator  device.Locator
	Presence presence.Channel
	Sink     backend.PositionSink
	Nearby   backend.NearbyFinder
	Metrics  *metrics.Metrics
	Logger   *logx.Logger
}

// TrackOptions configure the device watch
type TrackOptions struct {
	HighAccuracy bool          `json:"high_accuracy"`
	Timeout      time.Duration `json:"timeout"`
	MaxAge       time.Duration `json:"max_age"`
}

// Sample is one buffered fix
type Sample struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// State is a read-only snapshot of the session
type State struct {
	IsTracking       bool             `json:"is_tracking"`
	CurrentFix       *pkg.LocationFix `json:"current_fix,omitempty"`
	Err              error            `json:"-"`
	LastUpdate       time.Time        `json:"last_update"`
	Accuracy         float64          `json:"accuracy"`
	AdaptiveInterval time.Duration    `json:"adaptive_interval"`
	Speed            float64          `json:"speed"`
	SmoothedSpeed    float64          `json:"smoothed_speed"`
	BufferLen        int              `json:"buffer_len"`
	SessionID        string           `json:"session_id,omitempty"`
}

// Tracker owns one session at a time. Start and Stop may be called from
// any goroutine.
type Tracker struct {
	config Config
	deps   Deps
	logger *logx.Logger

	// lifecycle serializes Start, Stop and reconnection
	lifecycle sync.Mutex

	mu          sync.Mutex
	state       State
	opts        TrackOptions
	buffer      []Sample
	lastRaw     *Sample
	lastPush    time.Time
	sub         device.Subscription
	cancelWatch context.CancelFunc
	reconnect   *time.Timer
	generation  uint64

	wg sync.WaitGroup
}

// New creates an idle tracker
func New(config Config, deps Deps) *Tracker {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 30 * time.Second
	}
	if config.PushTimeout <= 0 {
		config.PushTimeout = 10 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = logx.Discard()
	}
	if deps.Presence == nil {
		deps.Presence = presence.Nop{}
	}

	return &Tracker{
		config: config,
		deps:   deps,
		logger: logger.With("component", "tracker", "agent_id", config.AgentID),
		state:  State{AdaptiveInterval: initialInterval},
	}
}

// IntervalForSpeed maps a speed in m/s to the sampling interval
func IntervalForSpeed(speed float64) time.Duration {
	switch {
	case speed < 1:
		return 30 * time.Second
	case speed < 5:
		return 15 * time.Second
	case speed < 15:
		return 5 * time.Second
	default:
		return 2 * time.Second
	}
}

func (o TrackOptions) device() device.Options {
	return device.Options{HighAccuracy: o.HighAccuracy, Timeout: o.Timeout, MaxAge: o.MaxAge}
}

// Start begins a session. It is a no-op while a session is running.
func (t *Tracker) Start(ctx context.Context, opts TrackOptions) error {
	if t.deps.Locator == nil {
		return pkg.ErrGeolocationUnsupported
	}

	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.mu.Lock()
	running := t.state.IsTracking
	t.mu.Unlock()
	if running {
		return nil
	}

	perm, err := t.deps.Locator.Permission(ctx)
	if err != nil {
		t.logger.Warn("permission probe failed, trying the watch anyway", "error", err)
	}
	if perm == device.PermissionDeny {
		t.mu.Lock()
		t.state.Err = device.NewError(device.PermissionDenied, "location permission denied")
		t.mu.Unlock()
		return pkg.ErrPermissionDenied
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	sub, err := t.deps.Locator.Watch(watchCtx, opts.device())
	if err != nil {
		cancel()
		t.mu.Lock()
		t.state.Err = err
		t.mu.Unlock()
		return fmt.Errorf("failed to start location watch: %w", err)
	}

	sessionID := uuid.NewString()

	t.mu.Lock()
	t.generation++
	gen := t.generation
	t.opts = opts
	t.sub = sub
	t.cancelWatch = cancel
	t.buffer = nil
	t.lastRaw = nil
	t.lastPush = time.Time{}
	t.state.IsTracking = true
	t.state.Err = nil
	t.state.SessionID = sessionID
	t.state.AdaptiveInterval = initialInterval
	t.wg.Add(1)
	go t.run(sub, gen)
	t.mu.Unlock()

	t.openPresence(ctx, sessionID)
	t.deps.Metrics.SetTracking(true)
	t.logger.Info("tracking started", "session_id", sessionID)
	return nil
}

func (t *Tracker) run(sub device.Subscription, gen uint64) {
	defer t.wg.Done()
	for ev := range sub.Events() {
		t.handle(ev, gen)
	}
}

func (t *Tracker) openPresence(ctx context.Context, sessionID string) {
	status, err := t.deps.Presence.Subscribe(ctx)
	if err != nil || status != presence.StatusSubscribed {
		t.logger.Warn("presence subscribe failed", "status", status, "error", err)
		return
	}
	err = t.deps.Presence.Track(ctx, presence.Payload{
		AgentID:   t.config.AgentID,
		Status:    "online",
		SessionID: sessionID,
		OnlineAt:  t.config.Now(),
	})
	if err != nil {
		t.logger.Warn("presence track failed", "error", err)
	}
}

func (t *Tracker) closePresence(ctx context.Context) {
	if err := t.deps.Presence.Untrack(ctx); err != nil {
		t.logger.Warn("presence untrack failed", "error", err)
	}
	if err := t.deps.Presence.Leave(ctx); err != nil {
		t.logger.Warn("presence leave failed", "error", err)
	}
}

// OnPresence logs presence changes seen on the channel
func (t *Tracker) OnPresence(e presence.Event) {
	t.logger.Debug("presence", "kind", e.Kind, "member", e.Payload.AgentID, "status", e.Payload.Status)
}

type pushJob struct {
	position pkg.AgentPosition
	fixTime  time.Time
}

// handle runs the fix-update algorithm for one device event. Events of an
// older generation (a replaced or stopped watch) are dropped.
func (t *Tracker) handle(ev device.Event, gen uint64) {
	t.mu.Lock()
	if !t.state.IsTracking || gen != t.generation {
		t.mu.Unlock()
		return
	}

	if ev.Err != nil {
		t.state.Err = ev.Err
		if ev.Err.Code == device.Timeout {
			t.scheduleReconnect(gen)
		}
		t.mu.Unlock()
		t.logger.Warn("location watch error", "code", ev.Err.Code, "error", ev.Err)
		return
	}

	fix := ev.Fix
	if !geo.IsValidCoordinate(fix.Lat, fix.Lng) {
		t.mu.Unlock()
		t.logger.Debug("ignoring invalid fix", "lat", fix.Lat, "lng", fix.Lng)
		return
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = t.config.Now()
	}
	sample := Sample{Lat: fix.Lat, Lng: fix.Lng, Accuracy: fix.Accuracy, Timestamp: fix.Timestamp}

	// 1-2: speed and interval
	speed := 0.0
	previousInterval := t.state.AdaptiveInterval
	if t.lastRaw == nil {
		t.lastRaw = &sample
	} else if elapsed := fix.Timestamp.Sub(t.lastRaw.Timestamp); elapsed >= minElapsed {
		d := geo.HaversineMeters(pkg.Coordinate{Lat: t.lastRaw.Lat, Lng: t.lastRaw.Lng}, fix.Coordinate())
		speed = d / elapsed.Seconds()
		t.state.AdaptiveInterval = IntervalForSpeed(speed)
		t.lastRaw = &sample
	}
	interval := t.state.AdaptiveInterval

	// 3: buffer
	t.buffer = append(t.buffer, sample)
	if len(t.buffer) > bufferCap {
		t.buffer = append([]Sample(nil), t.buffer[len(t.buffer)-bufferKeep:]...)
	}

	// 4: current fix
	current := pkg.LocationFix{
		Address:   fmt.Sprintf("Position actuelle (%.6f, %.6f)", fix.Lat, fix.Lng),
		Lat:       fix.Lat,
		Lng:       fix.Lng,
		Source:    pkg.SourceCurrent,
		Timestamp: fix.Timestamp,
	}
	if fix.Accuracy > 0 {
		current.AccuracyMeters = pkg.Float64(fix.Accuracy)
	}
	t.state.CurrentFix = &current
	t.state.LastUpdate = t.config.Now()
	t.state.Accuracy = fix.Accuracy
	t.state.Speed = speed
	t.state.SmoothedSpeed = smoothedSpeed(t.buffer, speed)
	t.state.Err = nil
	smoothed := t.state.SmoothedSpeed

	// 5: push decision
	var job *pushJob
	if t.deps.Sink != nil && shouldPush(t.lastPush, fix.Timestamp, speed) {
		job = &pushJob{
			position: pkg.AgentPosition{
				AgentID:   t.config.AgentID,
				Latitude:  fix.Lat,
				Longitude: fix.Lng,
				Accuracy:  fix.Accuracy,
				LastPing:  fix.Timestamp,
				IsOnline:  true,
			},
			fixTime: fix.Timestamp,
		}
	}
	sub := t.sub
	t.mu.Unlock()

	t.deps.Metrics.SetSpeed(speed, smoothed)
	if interval != previousInterval {
		t.deps.Metrics.SetAdaptiveInterval(interval)
		if h, ok := sub.(device.IntervalHinter); ok {
			h.HintInterval(interval)
		}
		t.logger.Debug("adaptive interval changed", "interval", interval, "speed", speed)
	}

	if job == nil {
		if t.deps.Sink != nil {
			t.deps.Metrics.RecordPush("suppressed")
		}
		return
	}
	t.push(*job, gen)
}

// shouldPush is true for the first push of a session, while moving, or
// when the last successful push is more than a minute older than the fix
func shouldPush(lastPush, fixTime time.Time, speed float64) bool {
	return lastPush.IsZero() || speed > movingSpeed || fixTime.Sub(lastPush) > pushMaxQuiet
}

func (t *Tracker) push(job pushJob, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), t.config.PushTimeout)
	defer cancel()

	if err := t.deps.Sink.Upsert(ctx, job.position); err != nil {
		t.deps.Metrics.RecordPush("error")
		t.logger.Warn("position push failed", "error", err)
		return
	}
	t.deps.Metrics.RecordPush("ok")

	t.mu.Lock()
	if gen == t.generation && job.fixTime.After(t.lastPush) {
		t.lastPush = job.fixTime
	}
	t.mu.Unlock()
}

// scheduleReconnect arms a single reconnection timer. Called with mu held.
func (t *Tracker) scheduleReconnect(gen uint64) {
	if t.reconnect != nil {
		return
	}
	t.logger.Info("watch timed out, reconnecting", "after", t.config.ReconnectDelay)
	t.reconnect = time.AfterFunc(t.config.ReconnectDelay, func() { t.reconnectWatch(gen) })
}

// reconnectWatch replaces the watch and re-announces presence if the
// session that scheduled it is still the current one
func (t *Tracker) reconnectWatch(gen uint64) {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.mu.Lock()
	if !t.state.IsTracking || gen != t.generation {
		t.mu.Unlock()
		return
	}
	t.reconnect = nil
	t.generation++
	newGen := t.generation
	oldSub, oldCancel := t.sub, t.cancelWatch
	t.sub, t.cancelWatch = nil, nil
	opts := t.opts
	sessionID := t.state.SessionID
	t.mu.Unlock()

	t.deps.Metrics.RecordReconnect()
	oldCancel()
	if err := oldSub.Close(); err != nil {
		t.logger.Debug("closing timed out watch", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.config.PushTimeout)
	defer cancel()
	t.closePresence(ctx)

	watchCtx, watchCancel := context.WithCancel(context.Background())
	sub, err := t.deps.Locator.Watch(watchCtx, opts.device())

	t.mu.Lock()
	if err != nil {
		watchCancel()
		t.state.Err = err
		t.scheduleReconnect(newGen)
		t.mu.Unlock()
		t.logger.Error("failed to restart location watch", "error", err)
		return
	}
	t.sub, t.cancelWatch = sub, watchCancel
	t.wg.Add(1)
	go t.run(sub, newGen)
	t.mu.Unlock()

	t.openPresence(ctx, sessionID)
	t.logger.Info("location watch reconnected")
}

// Stop ends the session: the watch and any pending reconnection are
// cancelled, presence is left, and the sink marks the agent offline
// (best-effort). The current fix survives; the buffer does not.
func (t *Tracker) Stop(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.mu.Lock()
	if !t.state.IsTracking {
		t.mu.Unlock()
		return nil
	}
	t.state.IsTracking = false
	t.generation++
	if t.reconnect != nil {
		t.reconnect.Stop()
		t.reconnect = nil
	}
	sub, cancel := t.sub, t.cancelWatch
	t.sub, t.cancelWatch = nil, nil
	t.buffer = nil
	t.lastRaw = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			t.logger.Debug("closing location watch", "error", err)
		}
	}
	t.wg.Wait()

	t.closePresence(ctx)

	if t.deps.Sink != nil {
		if err := t.deps.Sink.SetOffline(ctx, t.config.AgentID); err != nil {
			t.logger.Warn("failed to mark agent offline", "error", err)
		}
	}

	t.deps.Metrics.SetTracking(false)
	t.logger.Info("tracking stopped")
	return nil
}

// State returns a snapshot of the session
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state
	if s.CurrentFix != nil {
		fix := *s.CurrentFix
		s.CurrentFix = &fix
	}
	s.BufferLen = len(t.buffer)
	return s
}

// Buffer returns a copy of the buffered fixes, oldest first
func (t *Tracker) Buffer() []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sample(nil), t.buffer...)
}

// NearbyAgents lists other online agents within radiusKm of the current
// fix. It returns an empty list when there is no fix or the query fails.
func (t *Tracker) NearbyAgents(ctx context.Context, radiusKm float64) []pkg.Agent {
	t.mu.Lock()
	fix := t.state.CurrentFix
	t.mu.Unlock()

	if fix == nil || t.deps.Nearby == nil {
		return []pkg.Agent{}
	}

	agents, err := t.deps.Nearby.NearbyAgents(ctx, fix.Coordinate(), radiusKm)
	if err != nil {
		level := t.logger.Warn
		if errors.Is(err, pkg.ErrConfiguration) {
			level = t.logger.Error
		}
		level("nearby agents query failed", "error", err)
		return []pkg.Agent{}
	}

	out := make([]pkg.Agent, 0, len(agents))
	for _, a := range agents {
		if a.ID != t.config.AgentID {
			out = append(out, a)
		}
	}
	return out
}
