package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/voxwire/cdrhub/internal/domain"
	"github.com/voxwire/cdrhub/internal/logger"
	"github.com/voxwire/cdrhub/internal/service"
)

// Server runs the asynq worker loop and routes ingestion tasks to the
// orchestrator and the unit worker.
type Server struct {
	server       *asynq.Server
	mux          *asynq.ServeMux
	orchestrator *service.Orchestrator
	worker       *service.UnitWorker
	statuses     service.JobStatusRepo
	logger       *logger.Logger
}

// ServerConfig holds the queue server settings.
type ServerConfig struct {
	RedisURL    string
	Concurrency int
}

// NewServer creates the worker-side queue server.
func NewServer(cfg *ServerConfig, orchestrator *service.Orchestrator, worker *service.UnitWorker, statuses service.JobStatusRepo, log *logger.Logger) (*Server, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName: 1,
		},
	})

	s := &Server{
		server:       srv,
		mux:          asynq.NewServeMux(),
		orchestrator: orchestrator,
		worker:       worker,
		statuses:     statuses,
		logger:       log,
	}
	s.mux.HandleFunc(TaskTypeOrchestrate, s.handleOrchestrate)
	s.mux.HandleFunc(TaskTypeProcessUnit, s.handleProcessUnit)
	return s, nil
}

// Run blocks until the server is shut down.
func (s *Server) Run() error {
	if err := s.server.Run(s.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops task processing and waits for in-flight tasks.
func (s *Server) Shutdown() {
	s.server.Shutdown()
}

// handleOrchestrate routes a blob-created trigger. When the retry budget for
// the trigger is exhausted, the unit is marked failed so pollers are not left
// watching a row that will never move again.
func (s *Server) handleOrchestrate(ctx context.Context, task *asynq.Task) error {
	var payload OrchestratePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal orchestrate payload: %w", err)
	}

	ctx = logger.SetCorrelationID(ctx, payload.Trigger.CorrelationID)
	err := s.orchestrator.HandleBlobCreated(ctx, payload.Trigger)
	if err == nil {
		return nil
	}

	if s.isLastAttempt(ctx) {
		s.markFailed(ctx, payload.Trigger.CorrelationID, fmt.Sprintf("orchestration failed after retries: %v", err))
	}
	return err
}

// handleProcessUnit ingests one unit. Errors propagate so asynq redelivers;
// the worker's own idempotency guards make the redelivery safe.
func (s *Server) handleProcessUnit(ctx context.Context, task *asynq.Task) error {
	var payload ProcessUnitPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal process-unit payload: %w", err)
	}

	ctx = logger.SetCorrelationID(ctx, payload.CorrelationID)
	err := s.worker.ProcessUnit(ctx, payload.CorrelationID)
	if err == nil {
		return nil
	}

	if s.isLastAttempt(ctx) {
		s.markFailed(ctx, payload.CorrelationID, fmt.Sprintf("processing failed after retries: %v", err))
	}
	return err
}

func (s *Server) isLastAttempt(ctx context.Context) bool {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return retried >= maxRetry
}

// markFailed force-fails a unit whose task ran out of retries. Terminal units
// are left untouched.
func (s *Server) markFailed(ctx context.Context, correlationID, message string) {
	if err := s.statuses.FinalizeLeaf(ctx, correlationID, domain.UnitStatusFailed,
		0, domain.FileLevelFailureCount, message); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to mark exhausted unit failed")
	}
}
