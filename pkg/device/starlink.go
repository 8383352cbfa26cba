package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/jhump/protoreflect/dynamic/grpcdynamic"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/geotrack/geotrack/pkg/logx"
)

const (
	starlinkService = "SpaceX.API.Device.Device"
	starlinkMethod  = "Handle"
)

// Starlink reads the dish's fused GNSS position over its local gRPC API.
// The service schema is discovered through server reflection, so no
// generated stubs are needed.
type Starlink struct {
	logger       *logx.Logger
	addr         string
	pollInterval time.Duration

	mu     sync.Mutex
	conn   *grpc.ClientConn
	method *desc.MethodDescriptor
}

// NewStarlink creates a dish locator for addr (host:port, usually 192.168.100.1:9200)
func NewStarlink(addr string, logger *logx.Logger) *Starlink {
	return &Starlink{
		logger:       logger,
		addr:         addr,
		pollInterval: 5 * time.Second,
	}
}

// resolve dials the dish and looks up the Handle method once
func (s *Starlink) resolve(ctx context.Context) (*grpc.ClientConn, *desc.MethodDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && s.method != nil {
		return s.conn, s.method, nil
	}

	if s.conn == nil {
		conn, err := grpc.DialContext(ctx, s.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Starlink API: %w", err)
		}
		s.conn = conn
	}

	client := grpcreflect.NewClientAuto(ctx, s.conn)
	defer client.Reset()

	svc, err := client.ResolveService(starlinkService)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve %s: %w", starlinkService, err)
	}
	method := svc.FindMethodByName(starlinkMethod)
	if method == nil {
		return nil, nil, fmt.Errorf("method %s not found on %s", starlinkMethod, starlinkService)
	}
	s.method = method
	return s.conn, s.method, nil
}

// CurrentPosition sends get_location and decodes the lla block
func (s *Starlink) CurrentPosition(ctx context.Context, opts Options) (Fix, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, method, err := s.resolve(ctx)
	if err != nil {
		return Fix{}, s.classify(ctx, err)
	}

	req := dynamic.NewMessage(method.GetInputType())
	if err := req.UnmarshalJSON([]byte(`{"get_location":{}}`)); err != nil {
		return Fix{}, fmt.Errorf("failed to build get_location request: %w", err)
	}

	resp, err := grpcdynamic.NewStub(conn).InvokeRpc(ctx, method, req)
	if err != nil {
		return Fix{}, s.classify(ctx, err)
	}

	msg, ok := resp.(*dynamic.Message)
	if !ok {
		return Fix{}, NewError(PositionUnavailable, "unexpected response type %T", resp)
	}
	body, err := msg.MarshalJSON()
	if err != nil {
		return Fix{}, NewError(PositionUnavailable, "failed to encode response: %v", err)
	}

	fix, err := parseLocationResponse(body)
	if err != nil {
		return Fix{}, err
	}
	s.logger.Debug("starlink fix", "lat", fix.Lat, "lng", fix.Lng, "sigma_m", fix.Accuracy)
	return fix, nil
}

// classify maps gRPC status codes onto device error codes. The dish answers
// PermissionDenied when location access is disabled in its settings.
func (s *Starlink) classify(ctx context.Context, err error) *PositionError {
	switch status.Code(err) {
	case codes.PermissionDenied:
		return NewError(PermissionDenied, "dish location access disabled")
	case codes.DeadlineExceeded:
		return NewError(Timeout, "%v", err)
	}
	return asPositionError(ctx, err)
}

type locationResponse struct {
	GetLocation *struct {
		LLA *struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
			Alt float64 `json:"alt"`
		} `json:"lla"`
		SigmaM float64 `json:"sigmaM"`
		Source string  `json:"source"`
	} `json:"getLocation"`
}

// parseLocationResponse extracts the position from the Handle response JSON
func parseLocationResponse(body []byte) (Fix, error) {
	var r locationResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return Fix{}, NewError(PositionUnavailable, "failed to parse response: %v", err)
	}
	if r.GetLocation == nil {
		return Fix{}, NewError(PositionUnavailable, "getLocation field not found in response")
	}
	if r.GetLocation.LLA == nil {
		return Fix{}, NewError(PositionUnavailable, "lla field not found in getLocation")
	}
	return Fix{
		Lat:       r.GetLocation.LLA.Lat,
		Lng:       r.GetLocation.LLA.Lon,
		Accuracy:  r.GetLocation.SigmaM,
		Timestamp: time.Now(),
	}, nil
}

// Permission probes the dish once; a PermissionDenied answer means denied
func (s *Starlink) Permission(ctx context.Context) (Permission, error) {
	_, err := s.CurrentPosition(ctx, Options{Timeout: 5 * time.Second})
	if err == nil {
		return PermissionGranted, nil
	}
	if pe, ok := err.(*PositionError); ok && pe.Code == PermissionDenied {
		return PermissionDeny, nil
	}
	return PermissionPrompt, nil
}

// Watch polls the dish; the period follows the tracker's interval hints
func (s *Starlink) Watch(ctx context.Context, opts Options) (Subscription, error) {
	return NewPollWatch(ctx, s.CurrentPosition, opts, s.pollInterval), nil
}

// Close releases the gRPC connection
func (s *Starlink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.method = nil
	return err
}
