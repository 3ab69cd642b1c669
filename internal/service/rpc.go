package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/proctor-alerts/internal/ingest"
	"github.com/t77yq/proctor-alerts/internal/model"
	"github.com/t77yq/proctor-alerts/internal/query"
)

const (
	SubjectSubmit    = "proctor.rpc.alert.submit"
	SubjectSession   = "proctor.rpc.session.get"
	SubjectDashboard = "proctor.rpc.dashboard"
	SubjectRecent    = "proctor.rpc.alerts.recent"
	SubjectHealth    = "proctor.rpc.health"

	QueueGroup = "proctor"

	HeaderSourceAddress   = "Source-Address"
	HeaderClientSignature = "Client-Signature"
)

// Error codes returned in ErrorResponse.Code
const (
	CodeInvalidInput = "invalid_input"
	CodeStoreError   = "store_error"
	CodeNotFound     = "not_found"
	CodeInternal     = "internal"
)

// Ingester accepts alert submissions
type Ingester interface {
	Submit(ctx context.Context, data []byte, sourceAddress, clientSignature string) (*model.IngestResult, error)
}

// Querier serves the read-side views
type Querier interface {
	GetSession(ctx context.Context, sessionID string) (*model.SessionInfo, error)
	Dashboard(ctx context.Context) (*model.Dashboard, error)
	RecentAlerts(ctx context.Context, limit int) ([]*model.Alert, error)
}

// HealthChecker reports service health
type HealthChecker interface {
	Check(ctx context.Context) *model.Health
}

// ErrorResponse is the machine-readable error reply
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// RecentRequest is the optional body of a recent-alerts request
type RecentRequest struct {
	Limit int `json:"limit"`
}

// RPCConfig configures the request handlers
type RPCConfig struct {
	RequestTimeout time.Duration
	MaxInFlight    int
}

// RPCServer answers NATS requests for the ingestion and query services.
// Messages are handled concurrently up to MaxInFlight.
type RPCServer struct {
	nc     *nats.Conn
	logger *zap.Logger
	ingest Ingester
	query  Querier
	health HealthChecker
	config RPCConfig
	sem    chan struct{}
	subs   []*nats.Subscription
}

// NewRPCServer creates an RPC server. Call Start to subscribe.
func NewRPCServer(nc *nats.Conn, logger *zap.Logger, in Ingester, q Querier, health HealthChecker, cfg RPCConfig) *RPCServer {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}

	return &RPCServer{
		nc:     nc,
		logger: logger.Named("rpc"),
		ingest: in,
		query:  q,
		health: health,
		config: cfg,
		sem:    make(chan struct{}, cfg.MaxInFlight),
	}
}

// Start subscribes to every request subject and unsubscribes when ctx is done
func (s *RPCServer) Start(ctx context.Context) error {
	handlers := map[string]func(context.Context, *nats.Msg) (interface{}, error){
		SubjectSubmit:    s.handleSubmit,
		SubjectSession:   s.handleSession,
		SubjectDashboard: s.handleDashboard,
		SubjectRecent:    s.handleRecent,
		SubjectHealth:    s.handleHealth,
	}

	for subject, handler := range handlers {
		handler := handler
		sub, err := s.nc.QueueSubscribe(subject, QueueGroup, func(msg *nats.Msg) {
			s.dispatch(ctx, msg, handler)
		})
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	if err := s.nc.Flush(); err != nil {
		s.Stop()
		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("RPC server started", zap.Int("subjects", len(handlers)))
	return nil
}

// Stop drains every subscription
func (s *RPCServer) Stop() {
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			s.logger.Warn("Failed to drain subscription",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}
	}
}

func (s *RPCServer) dispatch(ctx context.Context, msg *nats.Msg, handler func(context.Context, *nats.Msg) (interface{}, error)) {
	s.sem <- struct{}{}
	go func() {
		defer func() { <-s.sem }()

		reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()

		result, err := handler(reqCtx, msg)
		if err != nil {
			result = s.errorResponse(msg.Subject, err)
		}
		s.respond(msg, result)
	}()
}

func (s *RPCServer) handleSubmit(ctx context.Context, msg *nats.Msg) (interface{}, error) {
	var address, signature string
	if msg.Header != nil {
		address = msg.Header.Get(HeaderSourceAddress)
		signature = msg.Header.Get(HeaderClientSignature)
	}
	return s.ingest.Submit(ctx, msg.Data, address, signature)
}

func (s *RPCServer) handleSession(ctx context.Context, msg *nats.Msg) (interface{}, error) {
	sessionID := strings.TrimSpace(string(msg.Data))
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ingest.ErrInvalidInput)
	}
	return s.query.GetSession(ctx, sessionID)
}

func (s *RPCServer) handleDashboard(ctx context.Context, msg *nats.Msg) (interface{}, error) {
	return s.query.Dashboard(ctx)
}

func (s *RPCServer) handleRecent(ctx context.Context, msg *nats.Msg) (interface{}, error) {
	var req RecentRequest
	if len(strings.TrimSpace(string(msg.Data))) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ingest.ErrInvalidInput, err)
		}
	}
	return s.query.RecentAlerts(ctx, req.Limit)
}

func (s *RPCServer) handleHealth(ctx context.Context, msg *nats.Msg) (interface{}, error) {
	return s.health.Check(ctx), nil
}

func (s *RPCServer) errorResponse(subject string, err error) *ErrorResponse {
	resp := &ErrorResponse{Error: err.Error()}

	switch {
	case errors.Is(err, ingest.ErrInvalidInput):
		resp.Code = CodeInvalidInput
	case errors.Is(err, query.ErrNotFound):
		resp.Code = CodeNotFound
	case errors.Is(err, ingest.ErrStore):
		resp.Code = CodeStoreError
		resp.Retryable = true
	default:
		resp.Code = CodeInternal
	}

	if resp.Code == CodeStoreError || resp.Code == CodeInternal {
		s.logger.Error("Request failed",
			zap.String("subject", subject),
			zap.String("code", resp.Code),
			zap.Error(err))
	}
	return resp
}

func (s *RPCServer) respond(msg *nats.Msg, result interface{}) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("Failed to marshal response",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		data, _ = json.Marshal(&ErrorResponse{Error: "internal error", Code: CodeInternal})
	}

	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to send response",
			zap.String("subject", msg.Subject),
			zap.Error(err))
	}
}
