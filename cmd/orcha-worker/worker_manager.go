package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/orcha-dev/orcha/pkg/breaker"
	"github.com/orcha-dev/orcha/pkg/compensation"
	"github.com/orcha-dev/orcha/pkg/dispatch"
	"github.com/orcha-dev/orcha/pkg/engine"
	"github.com/orcha-dev/orcha/pkg/eventbus"
	"github.com/orcha-dev/orcha/pkg/events"
	"github.com/orcha-dev/orcha/pkg/otelhelper"
	"github.com/orcha-dev/orcha/pkg/persistence"
	"github.com/orcha-dev/orcha/pkg/registry"
	"github.com/orcha-dev/orcha/pkg/router"
)

// WorkerManager hosts the stage dispatcher and the engine reactions to coordination
// events. Every worker replica runs the same subscriptions; the persistence layer's
// conditional writes make concurrent handling of the same execution safe.
type WorkerManager struct {
	id         string
	logger     *slog.Logger
	eventBus   eventbus.EventBus
	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher
	reconciler *Reconciler
	tracer     trace.Tracer
}

func NewWorkerManager(
	id string,
	persist persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	reg *registry.Registry,
	breakerStore breaker.Store,
	reconcileSchedule string,
) *WorkerManager {
	circuitBreaker := breaker.New(breakerStore, breaker.DefaultConfig(), logger)
	capabilityRouter := router.New(reg, circuitBreaker, logger)
	compensator := compensation.NewManager(persist, capabilityRouter, logger)
	dispatcher := dispatch.New(eventBus, persist, capabilityRouter, logger)
	eng := engine.New(persist, eventBus, dispatcher, compensator, engine.DefaultConfig(), logger)

	return &WorkerManager{
		id:         id,
		logger:     logger,
		eventBus:   eventBus,
		engine:     eng,
		dispatcher: dispatcher,
		reconciler: NewReconciler(persist, eventBus, logger, reconcileSchedule),
	}
}

func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager")

	tracer, err := otelhelper.NewTracer(ctx, "orcha-worker")
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to initialize tracer", "error", err)

		return err
	}

	w.tracer = tracer

	err = w.eventBus.Handle(events.ExecutionStartedEvent, w.handleExecutionStarted)
	if err != nil {
		return err
	}

	err = w.eventBus.Handle(events.TickRequestedEvent, w.handleTickRequested)
	if err != nil {
		return err
	}

	err = w.eventBus.Handle(events.CancelRequestedEvent, w.handleCancelRequested)
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	err = w.dispatcher.Start(ctx, w.engine)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to start stage dispatcher", "error", err)

		return err
	}

	err = w.reconciler.Start(ctx)
	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	w.logger.InfoContext(ctx, "Shutting down worker...")
	w.reconciler.Stop()

	return nil
}

func (w *WorkerManager) handleExecutionStarted(ctx context.Context, event any) error {
	started, ok := event.(*events.ExecutionStarted)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ExecutionStarted")

		return nil
	}

	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "handleExecutionStarted",
		attribute.String(otelhelper.ExecutionIDKey, started.ExecutionID),
		attribute.String(otelhelper.DefinitionIDKey, started.DefinitionID),
		attribute.String(otelhelper.WorkerIDKey, w.id),
	)
	defer span.End()

	w.logger.InfoContext(ctx, "Processing execution started event",
		"execution_id", started.ExecutionID,
		"definition_id", started.DefinitionID,
	)

	err := w.engine.Tick(ctx, started.ExecutionID)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return err
}

func (w *WorkerManager) handleTickRequested(ctx context.Context, event any) error {
	tick, ok := event.(*events.TickRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for TickRequested")

		return nil
	}

	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "handleTickRequested",
		attribute.String(otelhelper.ExecutionIDKey, tick.ExecutionID),
		attribute.String(otelhelper.WorkerIDKey, w.id),
	)
	defer span.End()

	err := w.engine.Tick(ctx, tick.ExecutionID)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return err
}

func (w *WorkerManager) handleCancelRequested(ctx context.Context, event any) error {
	cancel, ok := event.(*events.CancelRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for CancelRequested")

		return nil
	}

	w.logger.InfoContext(ctx, "Processing cancel request",
		"execution_id", cancel.ExecutionID,
		"reason", cancel.Reason,
	)

	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "handleCancelRequested",
		attribute.String(otelhelper.ExecutionIDKey, cancel.ExecutionID),
		attribute.String(otelhelper.WorkerIDKey, w.id),
	)
	defer span.End()

	err := w.engine.Cancel(ctx, cancel.ExecutionID, cancel.Reason)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return err
}
