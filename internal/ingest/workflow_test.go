package ingest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"example.com/fpdemo/internal/logging"
	"example.com/fpdemo/internal/testutil"
	"example.com/fpdemo/internal/vendor"
)

func newWorkflowEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *Service) {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	svc := NewService(testutil.OpenStore(t), logging.Discard())
	env.RegisterWorkflowWithOptions(IngestWorkflow, workflow.RegisterOptions{Name: workflowName})
	acts := NewActivities(svc, logging.Discard())
	env.RegisterActivityWithOptions(acts.Record, activity.RegisterOptions{Name: recordActivityName})
	return env, svc
}

func TestIngestWorkflow_RecordsEvent(t *testing.T) {
	env, svc := newWorkflowEnv(t)
	env.ExecuteWorkflow(workflowName, normalize(t, `{"visitorId":"v1","requestId":"r1"}`))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var res Result
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, "v1", res.VisitorID)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 1, eventCount(t, svc.db))
}

func TestIngestWorkflow_ReplayIsDuplicate(t *testing.T) {
	env, svc := newWorkflowEnv(t)
	_, err := svc.Ingest(t.Context(), normalize(t, `{"visitorId":"v1","requestId":"r1"}`))
	require.NoError(t, err)

	env.ExecuteWorkflow(workflowName, normalize(t, `{"visitorId":"v1","requestId":"r1"}`))
	require.NoError(t, env.GetWorkflowError())
	var res Result
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, eventCount(t, svc.db))
}

func TestIngestWorkflow_MissingVisitorIsNonRetryable(t *testing.T) {
	env, _ := newWorkflowEnv(t)
	env.ExecuteWorkflow(workflowName, vendor.Event{RequestID: "r1"})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, errTypeMissingField, appErr.Type())
	assert.True(t, appErr.NonRetryable())
}

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "ingest-r1", WorkflowID(vendor.Event{RequestID: "r1"}))
	a := WorkflowID(vendor.Event{})
	b := WorkflowID(vendor.Event{})
	assert.NotEqual(t, a, b)
}
