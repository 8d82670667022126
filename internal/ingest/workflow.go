package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	temporalworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"example.com/fpdemo/internal/apperr"
	"example.com/fpdemo/internal/vendor"
)

const (
	TaskQueue          = "fpdemo-ingest"
	workflowName       = "fpdemo.ingest.event"
	recordActivityName = "fpdemo.ingest.record"

	errTypeMissingField = "MissingField"
)

// Activities hosts the activity implementations that reuse the synchronous service.
type Activities struct {
	service *Service
	logger  *slog.Logger
}

// NewActivities wraps service for registration on a worker.
func NewActivities(service *Service, logger *slog.Logger) *Activities {
	return &Activities{service: service, logger: logger}
}

// Record runs the transactional ingest. Validation failures are not retried.
func (a *Activities) Record(ctx context.Context, ev vendor.Event) (Result, error) {
	info := activity.GetInfo(ctx)
	res, err := a.service.Ingest(ctx, ev)
	if err != nil {
		if e, ok := apperr.As(err); ok && e.Kind == apperr.KindValidation {
			return Result{}, temporal.NewNonRetryableApplicationError(e.Message, errTypeMissingField, err, e.Field)
		}
		a.logger.Error("activity record failed", "request_id", ev.RequestID, "attempt", info.Attempt, "error", err)
		return Result{}, err
	}
	a.logger.Info("activity record", "visitor_id", res.VisitorID, "request_id", res.RequestID, "duplicate", res.Duplicate, "attempt", info.Attempt)
	return res, nil
}

// IngestWorkflow records one delivery through a retried activity.
func IngestWorkflow(ctx workflow.Context, ev vendor.Event) (Result, error) {
	logger := workflow.GetLogger(ctx)
	if ev.VisitorID == "" {
		return Result{}, temporal.NewNonRetryableApplicationError("missing required field: visitorId", errTypeMissingField, nil, "visitorId")
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        5,
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			NonRetryableErrorTypes: []string{errTypeMissingField},
		},
	})

	logger.Info("ingest workflow started", "visitor_id", ev.VisitorID, "request_id", ev.RequestID)
	var result Result
	if err := workflow.ExecuteActivity(ctx, recordActivityName, ev).Get(ctx, &result); err != nil {
		logger.Error("record activity failed", "error", err)
		return Result{}, err
	}
	logger.Info("ingest workflow finished", "visitor_id", ev.VisitorID, "request_id", ev.RequestID, "duplicate", result.Duplicate)
	return result, nil
}

// RegisterWorker wires up the Temporal worker consuming the ingest task queue.
func RegisterWorker(c client.Client, svc *Service, logger *slog.Logger) temporalworker.Worker {
	w := temporalworker.New(c, TaskQueue, temporalworker.Options{})
	w.RegisterWorkflowWithOptions(IngestWorkflow, workflow.RegisterOptions{Name: workflowName})
	activities := NewActivities(svc, logger.With("component", "ingest.activities"))
	w.RegisterActivityWithOptions(activities.Record, activity.RegisterOptions{Name: recordActivityName})
	return w
}

// TemporalDispatcher starts one workflow per delivery, keyed by request ID so
// a replay that arrives while or after the first run completes is recognised
// by Temporal itself.
type TemporalDispatcher struct {
	client client.Client
	logger *slog.Logger
}

func NewTemporalDispatcher(c client.Client, logger *slog.Logger) *TemporalDispatcher {
	return &TemporalDispatcher{client: c, logger: logger.With("component", "ingest.dispatcher")}
}

// WorkflowID derives the workflow ID of a delivery.
func WorkflowID(ev vendor.Event) string {
	if ev.RequestID != "" {
		return "ingest-" + ev.RequestID
	}
	return "ingest-" + uuid.NewString()
}

func (d *TemporalDispatcher) Dispatch(ctx context.Context, ev vendor.Event) (Result, error) {
	if ev.VisitorID == "" {
		return Result{}, apperr.MissingField("visitorId")
	}
	options := client.StartWorkflowOptions{
		ID:        WorkflowID(ev),
		TaskQueue: TaskQueue,
		// A failed run may be retried by the next delivery; a completed one may not.
		WorkflowIDReusePolicy:                    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		WorkflowExecutionTimeout:                 5 * time.Minute,
	}
	we, err := d.client.ExecuteWorkflow(ctx, options, workflowName, ev)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			d.logger.Info("duplicate delivery rejected by workflow id", "workflow_id", options.ID)
			return Result{VisitorID: ev.VisitorID, RequestID: ev.RequestID, Duplicate: true}, nil
		}
		d.logger.Error("start workflow failed", "workflow_id", options.ID, "error", err)
		return Result{}, apperr.Storage("ProcessingError", err)
	}

	var result Result
	if err := we.Get(ctx, &result); err != nil {
		var appErr *temporal.ApplicationError
		if errors.As(err, &appErr) && appErr.Type() == errTypeMissingField {
			return Result{}, apperr.MissingField("visitorId")
		}
		d.logger.Error("wait workflow failed", "workflow_id", we.GetID(), "run_id", we.GetRunID(), "error", err)
		return Result{}, apperr.Storage("ProcessingError", err)
	}
	d.logger.Info("workflow completed", "workflow_id", we.GetID(), "run_id", we.GetRunID(), "duplicate", result.Duplicate)
	return result, nil
}
