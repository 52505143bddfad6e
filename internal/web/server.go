package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/adt-gateway/internal/adt"
	"github.com/minasoft/adt-gateway/internal/audit"
	"github.com/minasoft/adt-gateway/internal/consumers"
	"github.com/minasoft/adt-gateway/internal/db"
	"github.com/minasoft/adt-gateway/internal/engine"
	"github.com/minasoft/adt-gateway/internal/metrics"
	natsserver "github.com/minasoft/adt-gateway/internal/nats"
	"github.com/minasoft/adt-gateway/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Replayer re-runs a stored raw message through the pipeline.
type Replayer interface {
	Replay(ctx context.Context, id string) (*db.ProcessingResult, error)
}

// Deps are the collaborators behind the operator API. JetStream is
// optional; without it the stream, consumer and DLQ views answer 503.
type Deps struct {
	JetStream jetstream.JetStream
	Store     store.Store
	Gateway   audit.Gateway
	Replayer  Replayer
	Metrics   *metrics.Metrics
}

type Server struct {
	echo    *echo.Echo
	port    int
	js      jetstream.JetStream
	store   store.Store
	gateway audit.Gateway
	replay  Replayer
	metrics *metrics.Metrics
}

func NewServer(port int, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:    e,
		port:    port,
		js:      deps.JetStream,
		store:   deps.Store,
		gateway: deps.Gateway,
		replay:  deps.Replayer,
		metrics: deps.Metrics,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the routes without a listener.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	slog.Info("Starting web server", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("web server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.GET("/messages", s.handleGetMessages)
	api.POST("/messages/:id/replay", s.handleReplayMessage)
	api.GET("/admissions/:patientId", s.handleGetAdmission)
	api.GET("/patients", s.handleFindPatient)
	api.GET("/dlq", s.handleGetDeadLetters)
	api.POST("/dlq/:id/retry", s.handleRetryDeadLetter)
	api.GET("/streams", s.handleGetStreams)
	api.GET("/consumers", s.handleGetConsumers)

	s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	components := make(map[string]string)
	overallStatus := "healthy"

	if err := s.store.Ping(ctx); err != nil {
		components["store"] = "unhealthy: " + err.Error()
		overallStatus = "unhealthy"
	} else {
		components["store"] = "healthy"
	}

	if s.js == nil {
		components["nats"] = "disabled"
	} else if _, err := s.js.AccountInfo(ctx); err != nil {
		components["nats"] = "unhealthy: " + err.Error()
		overallStatus = "unhealthy"
	} else {
		components["nats"] = "healthy"

		for _, name := range natsserver.Streams {
			stream, err := s.js.Stream(ctx, name)
			if err != nil {
				components[name] = "unhealthy: stream not found"
				if overallStatus == "healthy" {
					overallStatus = "degraded"
				}
				continue
			}
			if info, err := stream.Info(ctx); err == nil {
				components[name] = fmt.Sprintf("healthy (messages: %d)", info.State.Msgs)
			} else {
				components[name] = "healthy"
			}
		}

		for _, bucket := range []string{natsserver.BucketStats, natsserver.BucketHistory, natsserver.BucketDLQ} {
			kv, err := s.js.KeyValue(ctx, bucket)
			if err != nil {
				components[bucket] = "unhealthy"
				if overallStatus == "healthy" {
					overallStatus = "degraded"
				}
				continue
			}
			if status, err := kv.Status(ctx); err == nil {
				components[bucket] = fmt.Sprintf("healthy (values: %d)", status.Values())
			} else {
				components[bucket] = "healthy"
			}
		}
	}

	health := map[string]interface{}{
		"status":     overallStatus,
		"timestamp":  time.Now(),
		"components": components,
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	return c.JSON(statusCode, health)
}

func (s *Server) handleStats(c echo.Context) error {
	counters, err := s.gateway.Stats(c.Request().Context())
	if err != nil {
		slog.Error("Reading stats failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "stats unavailable")
	}

	processed := counters["accepted"] + counters["rejected"] + counters["errored"]
	stats := map[string]interface{}{
		"received":  counters["total_received"],
		"processed": processed,
		"accepted":  counters["accepted"],
		"rejected":  counters["rejected"],
		"errored":   counters["errored"],
		"counters":  counters,
	}
	if processed > 0 {
		stats["acceptance_rate"] = float64(counters["accepted"]) / float64(processed)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGetMessages(c echo.Context) error {
	limit := defaultLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxLimit)
	}

	messages, err := s.gateway.Recent(c.Request().Context(), audit.Filter{
		Status:      c.QueryParam("status"),
		PatientID:   c.QueryParam("patientId"),
		MessageType: c.QueryParam("messageType"),
		Facility:    c.QueryParam("facility"),
		Limit:       limit,
	})
	if err != nil {
		slog.Error("Reading message history failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "message history unavailable")
	}
	if messages == nil {
		messages = []db.MessageRecord{}
	}
	return c.JSON(http.StatusOK, messages)
}

func (s *Server) handleReplayMessage(c echo.Context) error {
	if s.replay == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "replay is not available")
	}
	messageID := c.Param("id")

	result, err := s.replay.Replay(c.Request().Context(), messageID)
	switch {
	case errors.Is(err, audit.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	case errors.Is(err, engine.ErrTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "replay timed out")
	case err != nil:
		slog.Error("Replay failed", "messageID", messageID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "replay failed: "+err.Error())
	}

	slog.Info("Message replayed", "messageID", messageID, "ackCode", result.AckCode)
	return c.JSON(http.StatusOK, result)
}

type admissionView struct {
	Admission   adt.AdmissionStatus   `json:"admission"`
	Transitions []db.TransitionRecord `json:"transitions"`
}

func (s *Server) handleGetAdmission(c echo.Context) error {
	ctx := c.Request().Context()
	patientID := c.Param("patientId")

	if _, err := s.store.GetPatient(ctx, patientID); errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	} else if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	state, err := s.store.GetAdmission(ctx, patientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	transitions, err := s.gateway.Transitions(ctx, patientID)
	if err != nil {
		slog.Warn("Reading transitions failed", "patientID", patientID, "error", err)
	}
	if transitions == nil {
		transitions = []db.TransitionRecord{}
	}
	return c.JSON(http.StatusOK, admissionView{Admission: state, Transitions: transitions})
}

func (s *Server) handleFindPatient(c echo.Context) error {
	system, value := c.QueryParam("system"), c.QueryParam("value")
	if system == "" || value == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "system and value are required")
	}

	patient, err := s.store.FindPatient(c.Request().Context(), system, value)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, patient)
}

func (s *Server) handleGetDeadLetters(c echo.Context) error {
	if s.js == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "JetStream is not available")
	}
	letters, err := consumers.DeadLetters(c.Request().Context(), s.js)
	if err != nil {
		slog.Error("Reading DLQ failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "DLQ unavailable")
	}
	if letters == nil {
		letters = []consumers.DeadLetter{}
	}
	return c.JSON(http.StatusOK, letters)
}

func (s *Server) handleRetryDeadLetter(c echo.Context) error {
	if s.js == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "JetStream is not available")
	}
	messageID := c.Param("id")

	err := consumers.Retry(c.Request().Context(), s.js, messageID)
	if errors.Is(err, consumers.ErrNotDeadLettered) {
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	}
	if err != nil {
		slog.Error("Requeue failed", "messageID", messageID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "requeue failed: "+err.Error())
	}

	slog.Info("Message requeued", "messageID", messageID)
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "success",
		"message": "message requeued",
	})
}

func (s *Server) handleGetStreams(c echo.Context) error {
	if s.js == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "JetStream is not available")
	}
	ctx := c.Request().Context()
	streams := []db.StreamInfo{}

	for _, streamName := range natsserver.Streams {
		stream, err := s.js.Stream(ctx, streamName)
		if err != nil {
			continue
		}
		info, err := stream.Info(ctx)
		if err != nil {
			continue
		}
		streams = append(streams, db.StreamInfo{
			Name:          info.Config.Name,
			Messages:      info.State.Msgs,
			Bytes:         info.State.Bytes,
			FirstSequence: info.State.FirstSeq,
			LastSequence:  info.State.LastSeq,
		})
	}
	return c.JSON(http.StatusOK, streams)
}

func (s *Server) handleGetConsumers(c echo.Context) error {
	if s.js == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "JetStream is not available")
	}
	ctx := c.Request().Context()
	list := []db.ConsumerInfo{}

	for _, streamName := range natsserver.Streams {
		stream, err := s.js.Stream(ctx, streamName)
		if err != nil {
			continue
		}

		names := stream.ConsumerNames(ctx)
		for name := range names.Name() {
			consumer, err := stream.Consumer(ctx, name)
			if err != nil {
				continue
			}
			info, err := consumer.Info(ctx)
			if err != nil {
				continue
			}
			list = append(list, db.ConsumerInfo{
				Stream:          streamName,
				Name:            info.Name,
				Pending:         info.NumPending,
				Delivered:       info.Delivered.Consumer,
				AckPending:      uint64(info.NumAckPending),
				RedeliveryCount: uint64(info.NumRedelivered),
			})
		}
	}
	return c.JSON(http.StatusOK, list)
}
