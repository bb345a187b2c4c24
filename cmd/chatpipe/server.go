package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "chatpipe/internal/errors"
	"chatpipe/internal/metrics"
	"chatpipe/internal/models"
	"chatpipe/internal/queue"
	"chatpipe/internal/service"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Server struct {
	router   *mux.Router
	logger   *logrus.Logger
	ingestor *service.Ingestor
	registry *service.Registry
	queue    queue.Queue
	metrics  *metrics.Registry
	cfg      models.ServerConfig
	server   *http.Server
}

func NewServer(cfg models.ServerConfig, ingestor *service.Ingestor, registry *service.Registry, q queue.Queue, m *metrics.Registry, logger *logrus.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		logger:   logger,
		ingestor: ingestor,
		registry: registry,
		queue:    q,
		metrics:  m,
		cfg:      cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/messages/direct", s.handleEnqueue(models.ClassDirect)).Methods(http.MethodPost)
	api.HandleFunc("/messages/group", s.handleEnqueue(models.ClassGroup)).Methods(http.MethodPost)
	api.HandleFunc("/typing", s.handleTyping()).Methods(http.MethodPost)
	api.HandleFunc("/jobs/dead", s.handleDeadLetters()).Methods(http.MethodGet)
	api.HandleFunc("/jobs/dead/{id}/retry", s.handleRetryDead()).Methods(http.MethodPost)
	api.HandleFunc("/queues/{class}/stats", s.handleQueueStats()).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.handleWebSocket())
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.metrics.SetGauge("connections_local", float64(s.registry.Len()), nil)
		s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
	}
}

// handleEnqueue accepts a message request and answers 202 as soon as the
// job is queued. The response carries the durable message identity the
// caller can reuse for idempotent retries.
func (s *Server) handleEnqueue(class models.MessageClass) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload models.JobPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if payload.Class() != class {
			s.writeError(w, http.StatusBadRequest,
				fmt.Sprintf("payload target does not match %s endpoint", class))
			return
		}

		id, err := s.ingestor.Enqueue(r.Context(), payload)
		if err != nil {
			switch apperrors.GetCode(err) {
			case apperrors.ErrCodeInvalidTarget, apperrors.ErrCodeEmptyPayload:
				s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			default:
				s.logger.WithError(err).Error("Failed to enqueue message")
				s.writeError(w, http.StatusServiceUnavailable, "failed to accept message")
			}
			return
		}

		s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "accepted"})
	}
}

func (s *Server) handleTyping() http.HandlerFunc {
	type typingRequest struct {
		Sender   string `json:"sender"`
		Receiver string `json:"receiver,omitempty"`
		Group    string `json:"group,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req typingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Sender == "" || (req.Receiver == "") == (req.Group == "") {
			s.writeError(w, http.StatusUnprocessableEntity, "typing must name a sender and exactly one target")
			return
		}

		if err := s.ingestor.PublishTyping(r.Context(), req.Sender, req.Receiver, req.Group); err != nil {
			s.logger.WithError(err).Warn("Failed to publish typing indicator")
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleDeadLetters() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := s.queue.DeadLetters(r.Context())
		if err != nil {
			s.logger.WithError(err).Error("Failed to list dead letters")
			s.writeError(w, http.StatusServiceUnavailable, "failed to list dead letters")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
	}
}

func (s *Server) handleRetryDead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := s.queue.RetryDead(r.Context(), id); err != nil {
			if err == queue.ErrJobNotFound {
				s.writeError(w, http.StatusNotFound, "dead letter not found")
				return
			}
			s.logger.WithError(err).Error("Failed to retry dead letter")
			s.writeError(w, http.StatusServiceUnavailable, "failed to retry dead letter")
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "requeued"})
	}
}

func (s *Server) handleQueueStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		class := models.MessageClass(mux.Vars(r)["class"])
		if class != models.ClassDirect && class != models.ClassGroup {
			s.writeError(w, http.StatusNotFound, "unknown queue class")
			return
		}
		stats, err := s.queue.Stats(r.Context(), class)
		if err != nil {
			s.logger.WithError(err).Error("Failed to read queue stats")
			s.writeError(w, http.StatusServiceUnavailable, "failed to read queue stats")
			return
		}
		s.writeJSON(w, http.StatusOK, stats)
	}
}

// handleWebSocket upgrades the connection and registers it for the given
// identity. The read loop exists only to notice the peer going away; the
// server pushes events, clients do not speak on this channel.
func (s *Server) handleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := r.URL.Query().Get("user")
		if identity == "" {
			s.writeError(w, http.StatusBadRequest, "missing user parameter")
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to accept websocket connection")
			return
		}

		handleID := uuid.NewString()
		s.registry.Register(r.Context(), identity, handleID, service.NewWSTransport(conn))
		defer s.registry.Unregister(context.WithoutCancel(r.Context()), identity, handleID)

		ctx := conn.CloseRead(r.Context())
		<-ctx.Done()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
