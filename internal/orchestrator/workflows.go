package orchestrator

import (
	"errors"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Workflow names. Schedules and child workflow IDs reference these, so
// renaming one is a breaking change for running deployments.
const (
	WorkflowMemberAggregates       = "member-aggregates"
	WorkflowMemberAggregate        = "member-aggregate"
	WorkflowOrganizationAggregates = "organization-aggregates"
	WorkflowOrganizationAggregate  = "organization-aggregate"
	WorkflowDashboardCache         = "dashboard-cache"
	WorkflowDashboardCacheSegment  = "dashboard-cache-segment"
	WorkflowExportSweep            = "export-sweep"
	WorkflowExport                 = "export"
)

const (
	// Keys enumerated per workflow run before continue-as-new.
	pageSize = 250
	// Children spawned back to back before pausing.
	spawnBatchSize = 100
	// Pause between spawn batches so a large backlog does not land on the
	// pipeline all at once.
	spawnBatchPause = 2 * time.Second
)

var defaultActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 5 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    2 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    5 * time.Minute,
		MaximumAttempts:    8,
	},
}

// Long-running export activities poll external storage and the database,
// so they get a heartbeat and a wider close timeout.
var exportActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 30 * time.Minute,
	HeartbeatTimeout:    2 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    10 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Minute,
		MaximumAttempts:    5,
	},
}

type SweepInput struct {
	// AfterKey is the continuation token carried across continue-as-new
	// runs. Empty means start from the beginning of the key space.
	AfterKey string `json:"afterKey"`
}

// MemberAggregatesWorkflow enumerates tenants flagged for member aggregate
// recomputation and fans each out to an abandoned child workflow. When a
// full page was consumed it continues as new with the last key seen.
func MemberAggregatesWorkflow(ctx workflow.Context, input SweepInput) error {
	return sweepFlaggedKeys(ctx, input, FlagKindMemberAggregates, MemberAggregatesWorkflow, WorkflowMemberAggregate, MemberAggregateWorkflow)
}

// MemberAggregateWorkflow recomputes aggregates for a single tenant and
// clears its flag. It runs detached from the parent sweep.
func MemberAggregateWorkflow(ctx workflow.Context, tenantID string) error {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions)
	var a *Activities
	if err := workflow.ExecuteActivity(ctx, a.RecomputeMemberAggregates, tenantID).Get(ctx, nil); err != nil {
		return err
	}
	return workflow.ExecuteActivity(ctx, a.ClearFlag, ClearFlagInput{Kind: FlagKindMemberAggregates, Key: tenantID}).Get(ctx, nil)
}

// OrganizationAggregatesWorkflow is the organization counterpart of
// MemberAggregatesWorkflow.
func OrganizationAggregatesWorkflow(ctx workflow.Context, input SweepInput) error {
	return sweepFlaggedKeys(ctx, input, FlagKindOrganizationAggregates, OrganizationAggregatesWorkflow, WorkflowOrganizationAggregate, OrganizationAggregateWorkflow)
}

func OrganizationAggregateWorkflow(ctx workflow.Context, orgKey string) error {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions)
	var a *Activities
	if err := workflow.ExecuteActivity(ctx, a.RecomputeOrganizationAggregates, orgKey).Get(ctx, nil); err != nil {
		return err
	}
	return workflow.ExecuteActivity(ctx, a.ClearFlag, ClearFlagInput{Kind: FlagKindOrganizationAggregates, Key: orgKey}).Get(ctx, nil)
}

// sweepFlaggedKeys pages through a flag kind, spawns one abandoned child
// per key with a deterministic ID, and continues as new after each page.
func sweepFlaggedKeys(ctx workflow.Context, input SweepInput, kind string, self interface{}, childName string, child interface{}) error {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions)
	log := workflow.GetLogger(ctx)

	var a *Activities
	var page KeyPage
	err := workflow.ExecuteActivity(ctx, a.ListFlaggedKeys, ListKeysInput{
		Kind:     kind,
		AfterKey: input.AfterKey,
		PageSize: pageSize,
	}).Get(ctx, &page)
	if err != nil {
		return err
	}
	if len(page.Keys) == 0 {
		log.Info("sweep complete", "kind", kind)
		return nil
	}

	if err := spawnDetachedChildren(ctx, childName, child, page.Keys); err != nil {
		return err
	}
	if len(page.Keys) < pageSize {
		log.Info("sweep complete", "kind", kind, "lastKey", page.LastKey)
		return nil
	}
	return workflow.NewContinueAsNewError(ctx, self, SweepInput{AfterKey: page.LastKey})
}

// spawnDetachedChildren starts one child per key and waits only for each
// child to be accepted by the server, not for it to finish. IDs are derived
// from the parent run so a retried or continued parent collides with the
// children it already spawned instead of starting duplicates.
func spawnDetachedChildren(ctx workflow.Context, childName string, child interface{}, keys []string) error {
	info := workflow.GetInfo(ctx)
	log := workflow.GetLogger(ctx)

	for i, key := range keys {
		if i > 0 && i%spawnBatchSize == 0 {
			if err := workflow.Sleep(ctx, spawnBatchPause); err != nil {
				return err
			}
		}

		cctx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID:        fmt.Sprintf("%s/%s/%s", childName, info.WorkflowExecution.ID, key),
			ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_ABANDON,
		})
		future := workflow.ExecuteChildWorkflow(cctx, child, key)
		if err := future.GetChildWorkflowExecution().Get(ctx, nil); err != nil {
			var started *temporal.ChildWorkflowExecutionAlreadyStartedError
			if errors.As(err, &started) {
				log.Debug("child already started", "key", key)
				continue
			}
			return err
		}
	}
	return nil
}

// DashboardCacheWorkflow enumerates segments, resolves non-leaf project
// segments to their leaves, and refreshes the dashboard cache of every leaf
// exactly once per sweep. Deterministic child IDs collapse a leaf reachable
// through several projects into a single refresh.
func DashboardCacheWorkflow(ctx workflow.Context, input SweepInput) error {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions)
	log := workflow.GetLogger(ctx)

	var a *Activities
	var page SegmentPage
	err := workflow.ExecuteActivity(ctx, a.ListSegments, ListKeysInput{
		AfterKey: input.AfterKey,
		PageSize: pageSize,
	}).Get(ctx, &page)
	if err != nil {
		return err
	}
	if len(page.Segments) == 0 {
		log.Info("dashboard cache sweep complete")
		return nil
	}

	leaves := make([]string, 0, len(page.Segments))
	seen := make(map[string]bool, len(page.Segments))
	for _, seg := range page.Segments {
		if seg.Leaf {
			if !seen[seg.ID] {
				seen[seg.ID] = true
				leaves = append(leaves, seg.ID)
			}
			continue
		}
		var resolved []string
		if err := workflow.ExecuteActivity(ctx, a.ResolveLeafSegments, seg.ID).Get(ctx, &resolved); err != nil {
			return err
		}
		for _, id := range resolved {
			if !seen[id] {
				seen[id] = true
				leaves = append(leaves, id)
			}
		}
	}

	if err := spawnDetachedChildren(ctx, WorkflowDashboardCacheSegment, DashboardCacheSegmentWorkflow, leaves); err != nil {
		return err
	}
	if len(page.Segments) < pageSize {
		log.Info("dashboard cache sweep complete", "lastKey", page.LastKey)
		return nil
	}
	return workflow.NewContinueAsNewError(ctx, DashboardCacheWorkflow, SweepInput{AfterKey: page.LastKey})
}

func DashboardCacheSegmentWorkflow(ctx workflow.Context, segmentID string) error {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions)
	var a *Activities
	return workflow.ExecuteActivity(ctx, a.RefreshDashboardCache, segmentID).Get(ctx, nil)
}

type ExportSweepInput struct {
	Platforms []string `json:"platforms"`
	// SinceHours bounds the export window. Zero means a full export.
	SinceHours int `json:"sinceHours"`
}

// ExportSweepWorkflow fans out one detached export per platform, drains the
// resulting batches back into the pipeline, then removes batch objects past
// retention.
func ExportSweepWorkflow(ctx workflow.Context, input ExportSweepInput) error {
	info := workflow.GetInfo(ctx)
	log := workflow.GetLogger(ctx)

	for _, platform := range input.Platforms {
		cctx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID:        fmt.Sprintf("%s/%s/%s", WorkflowExport, info.WorkflowExecution.ID, platform),
			ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_ABANDON,
		})
		future := workflow.ExecuteChildWorkflow(cctx, ExportWorkflow, ExportInput{Platform: platform, SinceHours: input.SinceHours})
		if err := future.GetChildWorkflowExecution().Get(ctx, nil); err != nil {
			var started *temporal.ChildWorkflowExecutionAlreadyStartedError
			if errors.As(err, &started) {
				log.Debug("export already started", "platform", platform)
				continue
			}
			return err
		}
	}

	ctx = workflow.WithActivityOptions(ctx, exportActivityOptions)
	var a *Activities
	if err := workflow.ExecuteActivity(ctx, a.ProcessExportBatches).Get(ctx, nil); err != nil {
		return err
	}
	return workflow.ExecuteActivity(ctx, a.CleanupExports).Get(ctx, nil)
}

// ExportWorkflow snapshots one platform into a batch object and enqueues an
// export job for it.
func ExportWorkflow(ctx workflow.Context, input ExportInput) error {
	ctx = workflow.WithActivityOptions(ctx, exportActivityOptions)
	var a *Activities
	return workflow.ExecuteActivity(ctx, a.RunExport, input).Get(ctx, nil)
}
