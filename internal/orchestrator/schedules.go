package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
)

// ScheduleConfig carries the deploy-time knobs for the recurring sweeps.
type ScheduleConfig struct {
	TaskQueue       string
	ExportPlatforms []string
	// ExportSinceHours bounds scheduled exports to a recent window.
	ExportSinceHours int
}

type scheduleDef struct {
	id      string
	cron    string
	action  *client.ScheduleWorkflowAction
	overlap enumspb.ScheduleOverlapPolicy
}

// RegisterSchedules creates the recurring sweep schedules. It is safe to run
// on every deploy: an existing schedule is left untouched.
func RegisterSchedules(ctx context.Context, c client.Client, cfg ScheduleConfig) error {
	defs := []scheduleDef{
		{
			id:   "member-aggregates-sweep",
			cron: "*/20 * * * *",
			action: &client.ScheduleWorkflowAction{
				ID:        WorkflowMemberAggregates,
				Workflow:  MemberAggregatesWorkflow,
				Args:      []interface{}{SweepInput{}},
				TaskQueue: cfg.TaskQueue,
			},
			// A sweep that outlives its interval buffers exactly one
			// follow-up instead of stacking.
			overlap: enumspb.SCHEDULE_OVERLAP_POLICY_BUFFER_ONE,
		},
		{
			id:   "organization-aggregates-sweep",
			cron: "*/20 * * * *",
			action: &client.ScheduleWorkflowAction{
				ID:        WorkflowOrganizationAggregates,
				Workflow:  OrganizationAggregatesWorkflow,
				Args:      []interface{}{SweepInput{}},
				TaskQueue: cfg.TaskQueue,
			},
			overlap: enumspb.SCHEDULE_OVERLAP_POLICY_BUFFER_ONE,
		},
		{
			id:   "dashboard-cache-sweep",
			cron: "0 * * * *",
			action: &client.ScheduleWorkflowAction{
				ID:        WorkflowDashboardCache,
				Workflow:  DashboardCacheWorkflow,
				Args:      []interface{}{SweepInput{}},
				TaskQueue: cfg.TaskQueue,
			},
			overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		},
		{
			id:   "export-sweep",
			cron: "0 3 * * *",
			action: &client.ScheduleWorkflowAction{
				ID:       WorkflowExportSweep,
				Workflow: ExportSweepWorkflow,
				Args: []interface{}{ExportSweepInput{
					Platforms:  cfg.ExportPlatforms,
					SinceHours: cfg.ExportSinceHours,
				}},
				TaskQueue: cfg.TaskQueue,
			},
			overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		},
	}

	for _, def := range defs {
		_, err := c.ScheduleClient().Create(ctx, client.ScheduleOptions{
			ID: def.id,
			Spec: client.ScheduleSpec{
				CronExpressions: []string{def.cron},
			},
			Action:  def.action,
			Overlap: def.overlap,
			// Fire at most one missed run after an outage rather than
			// replaying the whole gap.
			CatchupWindow: time.Hour,
		})
		if err != nil && !errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
			return fmt.Errorf("create schedule %s: %w", def.id, err)
		}
	}
	return nil
}

// Register wires every workflow and activity into a worker.
func Register(w worker.Worker, a *Activities) {
	w.RegisterWorkflow(MemberAggregatesWorkflow)
	w.RegisterWorkflow(MemberAggregateWorkflow)
	w.RegisterWorkflow(OrganizationAggregatesWorkflow)
	w.RegisterWorkflow(OrganizationAggregateWorkflow)
	w.RegisterWorkflow(DashboardCacheWorkflow)
	w.RegisterWorkflow(DashboardCacheSegmentWorkflow)
	w.RegisterWorkflow(ExportSweepWorkflow)
	w.RegisterWorkflow(ExportWorkflow)
	w.RegisterActivity(a)
}
