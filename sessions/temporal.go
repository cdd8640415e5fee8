package sessions

import (
	"context"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
)

// temporalPageSize bounds one visibility query; the listing is advisory and
// does not paginate.
const temporalPageSize = 100

type (
	// TemporalLister queries Temporal's visibility API for durable-engine
	// sessions that never ran in this process. It implements External.
	TemporalLister struct {
		client    client.Client
		namespace string
	}

	// TemporalWorkflow adapts a Temporal execution to the Workflow control
	// interface so the gateway can signal and cancel durable sessions.
	TemporalWorkflow struct {
		client     client.Client
		workflowID string
		runID      string
	}
)

// NewTemporalLister returns a lister over the given namespace.
func NewTemporalLister(c client.Client, namespace string) *TemporalLister {
	return &TemporalLister{client: c, namespace: namespace}
}

// ListSessions returns one Meta per visible workflow execution. Callers
// apply their own timeout via ctx.
func (l *TemporalLister) ListSessions(ctx context.Context) ([]Meta, error) {
	resp, err := l.client.ListWorkflow(ctx, &workflowservice.ListWorkflowExecutionsRequest{
		Namespace: l.namespace,
		PageSize:  temporalPageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("list workflow executions: %w", err)
	}
	metas := make([]Meta, 0, len(resp.Executions))
	for _, info := range resp.Executions {
		meta := Meta{
			ID:     info.Execution.GetWorkflowId(),
			Engine: EngineExternal,
			Status: temporalStatus(info.Status),
			Title:  info.Type.GetName(),
		}
		if info.StartTime != nil {
			meta.StartedAt = info.StartTime.AsTime().UTC().Format(time.RFC3339)
		}
		if info.CloseTime != nil {
			meta.EndedAt = info.CloseTime.AsTime().UTC().Format(time.RFC3339)
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// Resolve returns a control handle for workflowID when the execution exists,
// targeting its latest run. It implements Resolver so signals and
// cancellations reach durable sessions that never ran in this process.
func (l *TemporalLister) Resolve(ctx context.Context, workflowID string) (Workflow, bool) {
	if _, err := l.client.DescribeWorkflowExecution(ctx, workflowID, ""); err != nil {
		return nil, false
	}
	return NewTemporalWorkflow(l.client, workflowID, ""), true
}

// NewTemporalWorkflow returns the control handle for one execution. runID
// may be empty to target the latest run.
func NewTemporalWorkflow(c client.Client, workflowID, runID string) *TemporalWorkflow {
	return &TemporalWorkflow{client: c, workflowID: workflowID, runID: runID}
}

// Signal delivers a signal to the workflow.
func (w *TemporalWorkflow) Signal(ctx context.Context, name string, payload any) error {
	return w.client.SignalWorkflow(ctx, w.workflowID, w.runID, name, payload)
}

// Cancel requests cancellation of the workflow.
func (w *TemporalWorkflow) Cancel(ctx context.Context) error {
	return w.client.CancelWorkflow(ctx, w.workflowID, w.runID)
}

func temporalStatus(s enumspb.WorkflowExecutionStatus) string {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return StatusRunning
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return StatusCompleted
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return StatusFailed
	default:
		return StatusRunning
	}
}
