package jobs

import "github.com/voxwire/cdrhub/internal/service"

const (
	// TaskTypeOrchestrate carries a blob-created trigger to the orchestrator.
	TaskTypeOrchestrate = "cdr:orchestrate"
	// TaskTypeProcessUnit tells a worker to ingest one queued unit.
	TaskTypeProcessUnit = "cdr:process_unit"

	// queueName is the asynq queue all ingestion tasks run on.
	queueName = "cdr"
)

// OrchestratePayload is the body of a TaskTypeOrchestrate task.
type OrchestratePayload struct {
	Trigger service.TriggerDescriptor `json:"trigger"`
}

// ProcessUnitPayload is the body of a TaskTypeProcessUnit task.
type ProcessUnitPayload struct {
	CorrelationID string `json:"correlationId"`
}
