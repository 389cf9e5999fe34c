package chat

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tradedesk/internal/config"
	"tradedesk/internal/core"
	"tradedesk/pkg/concurrency"
	"tradedesk/pkg/telemetry"
)

const (
	signatureVersion = "v0"
	maxSignatureSkew = 5 * time.Minute
	// handlerDeadline is the budget a detached task inherits from the
	// originating chat event.
	handlerDeadline = 10 * time.Second
)

// Handler receives verified, parsed chat events on detached tasks.
type Handler interface {
	HandleSlashCommand(ctx context.Context, cmd *SlashCommand) error
	HandleInteraction(ctx context.Context, ia *Interaction) error
	HandleHomeOpened(ctx context.Context, chatUserID string) error
}

// Server terminates inbound chat traffic. Every request is signature
// verified, acknowledged immediately within the platform deadline, and the
// real work runs on the event pool keyed by view id rather than the
// short-lived trigger id.
type Server struct {
	cfg     *config.ChatConfig
	handler Handler
	pool    *concurrency.WorkerPool
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	srv     *http.Server
	now     func() time.Time
}

// NewServer creates the inbound chat server.
func NewServer(cfg *config.ChatConfig, handler Handler, pool *concurrency.WorkerPool, logger core.ILogger) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		pool:    pool,
		logger:  logger.WithField("component", "chat_server"),
		metrics: telemetry.GetGlobalMetrics(),
		now:     time.Now,
	}
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Routes returns the HTTP routes of the server.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/commands", s.handleCommand)
	mux.HandleFunc("/chat/interactions", s.handleInteraction)
	mux.HandleFunc("/chat/events", s.handleEvent)
	return mux
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("chat server listening", "addr", s.cfg.ListenAddr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("chat server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// verifyAndRead checks the request signature and returns the raw body with
// the request rewound so form parsing still works.
func (s *Server) verifyAndRead(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	tsHeader := r.Header.Get("X-Chat-Request-Timestamp")
	sig := r.Header.Get("X-Chat-Signature")
	if tsHeader == "" || sig == "" {
		return nil, fmt.Errorf("missing signature headers")
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed signature timestamp: %w", err)
	}
	skew := s.now().Sub(time.Unix(ts, 0))
	if skew > maxSignatureSkew || skew < -maxSignatureSkew {
		return nil, fmt.Errorf("signature timestamp outside allowed window")
	}

	if !hmac.Equal([]byte(sig), []byte(Sign(string(s.cfg.SigningSecret), tsHeader, body))) {
		return nil, fmt.Errorf("signature mismatch")
	}
	return body, nil
}

// Sign computes the request signature for a timestamp and body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.verifyAndRead(r); err != nil {
		s.logger.Warn("rejected unsigned command request", "error", err.Error())
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	cmd, err := ParseSlashCommand(r)
	if err != nil {
		s.logger.Warn("malformed slash command", "error", err.Error())
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.offload(func(ctx context.Context) {
		if err := s.handler.HandleSlashCommand(ctx, cmd); err != nil {
			s.logger.Error("slash command handling failed",
				"command", cmd.Command,
				"user_id", cmd.UserID,
				"error", err.Error())
		}
	})

	// Empty 200 is the immediate ack; all content arrives via view updates
	// and messages from the detached task.
	w.WriteHeader(http.StatusOK)
	s.recordAck("command", start)
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.verifyAndRead(r); err != nil {
		s.logger.Warn("rejected unsigned interaction request", "error", err.Error())
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	ia, err := ParseInteraction(r)
	if err != nil {
		s.logger.Warn("malformed interaction payload", "error", err.Error())
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.offload(func(ctx context.Context) {
		if err := s.handler.HandleInteraction(ctx, ia); err != nil {
			s.logger.Error("interaction handling failed",
				"type", string(ia.Type),
				"user_id", ia.User.ID,
				"view_id", ia.View.ID,
				"error", err.Error())
		}
	})

	w.WriteHeader(http.StatusOK)
	s.recordAck(string(ia.Type), start)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := s.verifyAndRead(r)
	if err != nil {
		s.logger.Warn("rejected unsigned event request", "error", err.Error())
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	ev, err := ParseEvent(body)
	if err != nil {
		s.logger.Warn("malformed event payload", "error", err.Error())
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if ev.Challenge != "" {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(ev.Challenge))
		return
	}

	if ev.Event.Type == EventHomeOpened {
		userID := ev.Event.User
		s.offload(func(ctx context.Context) {
			if err := s.handler.HandleHomeOpened(ctx, userID); err != nil {
				s.logger.Error("home opened handling failed", "chat_user_id", userID, "error", err.Error())
			}
		})
	}

	w.WriteHeader(http.StatusOK)
	s.recordAck("event", start)
}

// offload runs fn on the event pool with the inherited deadline. Pool
// saturation is logged, never propagated to the ack path.
func (s *Server) offload(fn func(ctx context.Context)) {
	err := s.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), handlerDeadline)
		defer cancel()
		fn(ctx)
	})
	if err != nil {
		s.logger.Error("event pool rejected task", "error", err.Error())
	}
}

func (s *Server) recordAck(kind string, start time.Time) {
	if s.metrics == nil || s.metrics.ChatAckLatency == nil {
		return
	}
	s.metrics.ChatAckLatency.Record(context.Background(),
		float64(s.now().Sub(start).Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("kind", kind)))
}
