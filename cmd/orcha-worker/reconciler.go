package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/orcha-dev/orcha/pkg/eventbus"
	"github.com/orcha-dev/orcha/pkg/events"
	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
)

// Reconciler periodically requests a scheduling pass for every non-terminal execution,
// plus every failed execution whose rollback sweep never finished. This is the
// self-healing loop: backed-off retries whose NotBefore has passed, tasks a crashed
// worker never finished, executions whose coordination events were lost, and rollbacks
// interrupted mid-sweep all get picked up on the next run.
type Reconciler struct {
	persistence persistence.Persistence
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger
	schedule    string
	cron        *cron.Cron
}

func NewReconciler(persist persistence.Persistence, eventBus eventbus.EventPublisher, logger *slog.Logger, schedule string) *Reconciler {
	return &Reconciler{
		persistence: persist,
		eventBus:    eventBus,
		logger:      logger.With("module", "reconciler"),
		schedule:    schedule,
	}
}

func (r *Reconciler) Start(ctx context.Context) error {
	r.cron = cron.New()

	_, err := r.cron.AddFunc(r.schedule, func() {
		if err := r.reconcile(ctx); err != nil {
			r.logger.ErrorContext(ctx, "Reconcile pass failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.schedule, err)
	}

	r.cron.Start()
	r.logger.InfoContext(ctx, "Reconciler started", "schedule", r.schedule)

	return nil
}

func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// reconcile publishes a TickRequested for every pending and in_progress execution.
// Publishing instead of ticking inline spreads the work across worker replicas.
func (r *Reconciler) reconcile(ctx context.Context) error {
	for _, status := range []models.ExecutionStatus{models.ExecutionStatusPending, models.ExecutionStatusInProgress} {
		executions, err := r.persistence.Executions().ListByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to list %s executions: %w", status, err)
		}

		for _, execution := range executions {
			event := events.TickRequested{
				BaseEvent: events.NewBaseEvent(events.TickRequestedEvent, execution.ID),
			}

			if err := r.eventBus.Publish(ctx, execution.ID, event); err != nil {
				r.logger.ErrorContext(ctx, "Failed to publish tick request",
					"execution_id", execution.ID,
					"error", err,
				)
			}
		}
	}

	return r.resumeRollbacks(ctx)
}

// resumeRollbacks wakes failed executions that still hold succeeded stages: a
// completed rollback always reaches rolled_back, so a failed execution with
// successes is a sweep the crashed worker never finished. Failed executions with
// no successes had nothing to compensate and stay asleep.
func (r *Reconciler) resumeRollbacks(ctx context.Context) error {
	executions, err := r.persistence.Executions().ListByStatus(ctx, models.ExecutionStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to list failed executions: %w", err)
	}

	for _, execution := range executions {
		logs, err := r.persistence.StageLogs().ByExecution(ctx, execution.ID)
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to load stage logs",
				"execution_id", execution.ID,
				"error", err,
			)

			continue
		}

		needsSweep := false

		for _, log := range logs {
			if log.Status == models.StageStatusSucceeded {
				needsSweep = true

				break
			}
		}

		if !needsSweep {
			continue
		}

		event := events.TickRequested{
			BaseEvent: events.NewBaseEvent(events.TickRequestedEvent, execution.ID),
		}

		if err := r.eventBus.Publish(ctx, execution.ID, event); err != nil {
			r.logger.ErrorContext(ctx, "Failed to publish tick request",
				"execution_id", execution.ID,
				"error", err,
			)
		}
	}

	return nil
}
