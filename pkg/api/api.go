// Package api exposes position resolution, place search and tracking over HTTP
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/geotrack/geotrack/pkg"
	"github.com/geotrack/geotrack/pkg/health"
	"github.com/geotrack/geotrack/pkg/logx"
	"github.com/geotrack/geotrack/pkg/resolver"
	"github.com/geotrack/geotrack/pkg/search"
	"github.com/geotrack/geotrack/pkg/tracker"
)

const (
	defaultNearbyKm = 5.0

	// sessionHeader lets a client that cannot pass ?identity= still keep its
	// searches apart from other clients behind the same address
	sessionHeader = "X-Session-ID"
)

// Resolver resolves the caller's position
type Resolver interface {
	Resolve(ctx context.Context, opts resolver.Options) (pkg.LocationFix, error)
}

// Searcher runs place searches
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]pkg.SearchResult, error)
}

// Tracker controls the tracking session
type Tracker interface {
	Start(ctx context.Context, opts tracker.TrackOptions) error
	Stop(ctx context.Context) error
	State() tracker.State
	NearbyAgents(ctx context.Context, radiusKm float64) []pkg.Agent
}

// Handler serves the HTTP API
type Handler struct {
	resolver Resolver
	searcher Searcher
	tracker  Tracker
	health   *health.Checker
	logger   *logx.Logger
}

// New creates a handler. health may be nil.
func New(r Resolver, s Searcher, t Tracker, h *health.Checker, logger *logx.Logger) *Handler {
	if logger == nil {
		logger = logx.Discard()
	}
	return &Handler{
		resolver: r,
		searcher: s,
		tracker:  t,
		health:   h,
		logger:   logger.With("component", "api"),
	}
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// TrackingView is the JSON rendering of a tracker state
type TrackingView struct {
	IsTracking         bool             `json:"is_tracking"`
	CurrentFix         *pkg.LocationFix `json:"current_fix,omitempty"`
	Error              string           `json:"error,omitempty"`
	LastUpdate         *time.Time       `json:"last_update,omitempty"`
	Accuracy           float64          `json:"accuracy"`
	AdaptiveIntervalMS int64            `json:"adaptive_interval_ms"`
	Speed              float64          `json:"speed"`
	SmoothedSpeed      float64          `json:"smoothed_speed"`
	BufferLen          int              `json:"buffer_len"`
	SessionID          string           `json:"session_id,omitempty"`
}

// StartRequest is the body of POST /v1/tracking/start
type StartRequest struct {
	HighAccuracy bool  `json:"high_accuracy"`
	TimeoutMS    int64 `json:"timeout_ms"`
	MaxAgeMS     int64 `json:"max_age_ms"`
}

// Router builds the chi router with every route mounted
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/position", h.GetPosition)
		r.Get("/places", h.SearchPlaces)
		r.Route("/tracking", func(r chi.Router) {
			r.Get("/", h.GetTracking)
			r.Post("/start", h.StartTracking)
			r.Post("/stop", h.StopTracking)
		})
		r.Get("/agents/nearby", h.NearbyAgents)
	})

	if h.health != nil {
		r.Route("/health", h.health.Routes)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// GetPosition resolves the current position through the tier cascade
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := resolver.Options{City: q.Get("city")}

	var err error
	if opts.HighAccuracy, err = boolParam(q.Get("high_accuracy")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_parameter", "high_accuracy must be a boolean")
		return
	}
	if opts.ForceRefresh, err = boolParam(q.Get("refresh")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_parameter", "refresh must be a boolean")
		return
	}
	if opts.Timeout, err = msParam(q.Get("timeout_ms")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_parameter", "timeout_ms must be a positive integer")
		return
	}

	fix, err := h.resolver.Resolve(r.Context(), opts)
	if err != nil {
		h.writeFailure(w, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, fix)
}

// SearchPlaces runs a debounced place search
func (h *Handler) SearchPlaces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := search.Options{
		City:     q.Get("city"),
		Identity: searchIdentity(r),
	}

	if lat, lng := q.Get("lat"), q.Get("lng"); lat != "" || lng != "" {
		ref, err := coordinateParam(lat, lng)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
			return
		}
		opts.Reference = &ref
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_parameter", "limit must be a positive integer")
			return
		}
		opts.MaxResults = n
	}

	results, err := h.searcher.Search(r.Context(), q.Get("q"), opts)
	if err != nil {
		h.writeFailure(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// searchIdentity scopes debouncing to one client. Without an explicit
// identity or session header the remote address is used, so unrelated
// clients never supersede each other.
func searchIdentity(r *http.Request) string {
	if id := r.URL.Query().Get("identity"); id != "" {
		return id
	}
	if id := r.Header.Get(sessionHeader); id != "" {
		return "session:" + id
	}
	return "addr:" + r.RemoteAddr
}

// StartTracking starts the tracking session
func (h *Handler) StartTracking(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
			return
		}
	}
	if req.TimeoutMS < 0 || req.MaxAgeMS < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "timeout_ms and max_age_ms must not be negative")
		return
	}

	opts := tracker.TrackOptions{
		HighAccuracy: req.HighAccuracy,
		Timeout:      time.Duration(req.TimeoutMS) * time.Millisecond,
		MaxAge:       time.Duration(req.MaxAgeMS) * time.Millisecond,
	}
	if err := h.tracker.Start(r.Context(), opts); err != nil {
		h.writeFailure(w, "start tracking", err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(h.tracker.State()))
}

// StopTracking ends the tracking session
func (h *Handler) StopTracking(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.Stop(r.Context()); err != nil {
		h.writeFailure(w, "stop tracking", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(h.tracker.State()))
}

// GetTracking returns the tracker state
func (h *Handler) GetTracking(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(h.tracker.State()))
}

// NearbyAgents lists online agents around the current fix
func (h *Handler) NearbyAgents(w http.ResponseWriter, r *http.Request) {
	radius := defaultNearbyKm
	if v := r.URL.Query().Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_parameter", "radius_km must be a positive number")
			return
		}
		radius = f
	}

	agents := h.tracker.NearbyAgents(r.Context(), radius)
	if agents == nil {
		agents = []pkg.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// writeFailure maps the error taxonomy onto status codes
func (h *Handler) writeFailure(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, pkg.ErrNoLocationAvailable):
		writeError(w, http.StatusServiceUnavailable, "no_location", err.Error())
	case errors.Is(err, pkg.ErrSuperseded):
		writeError(w, http.StatusConflict, "superseded", err.Error())
	case errors.Is(err, pkg.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "permission_denied", err.Error())
	case errors.Is(err, pkg.ErrGeolocationUnsupported):
		writeError(w, http.StatusNotImplemented, "unsupported", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		h.logger.Error("request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func viewOf(s tracker.State) TrackingView {
	v := TrackingView{
		IsTracking:         s.IsTracking,
		CurrentFix:         s.CurrentFix,
		Accuracy:           s.Accuracy,
		AdaptiveIntervalMS: s.AdaptiveInterval.Milliseconds(),
		Speed:              s.Speed,
		SmoothedSpeed:      s.SmoothedSpeed,
		BufferLen:          s.BufferLen,
		SessionID:          s.SessionID,
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	if !s.LastUpdate.IsZero() {
		last := s.LastUpdate
		v.LastUpdate = &last
	}
	return v
}

func boolParam(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func msParam(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid duration")
	}
	return time.Duration(n) * time.Millisecond, nil
}

func coordinateParam(lat, lng string) (pkg.Coordinate, error) {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return pkg.Coordinate{}, errors.New("lat must be a number")
	}
	ln, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return pkg.Coordinate{}, errors.New("lng must be a number")
	}
	if la < -90 || la > 90 || ln < -180 || ln > 180 {
		return pkg.Coordinate{}, pkg.ErrInvalidCoordinate
	}
	return pkg.Coordinate{Lat: la, Lng: ln}, nil
}
