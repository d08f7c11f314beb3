// Package models defines the core domain models for DAG-based workflow orchestration.
package models

import (
	"errors"
	"fmt"
	"time"
)

// JoinMode declares the fan-in semantics of a stage with multiple predecessors.
// Only AND-joins are supported: every predecessor must succeed before the stage runs.
type JoinMode string

const JoinAll JoinMode = "all"

// Stage is a unit of work in a workflow, tagged with the capability required to run it.
type Stage struct {
	ID              string         `json:"id"               validate:"required,min=1"`
	Capability      string         `json:"capability"       validate:"required,min=1"`
	Config          map[string]any `json:"config,omitempty"`           // Passed to the agent factory at dispatch time
	CompensationRef string         `json:"compensation_ref,omitempty"` // Capability invoked to undo this stage
	MaxAttempts     int            `json:"max_attempts,omitempty"`     // 0 means the engine default
	Join            JoinMode       `json:"join,omitempty"`             // Required when the stage has multiple predecessors
}

// Edge is a dependency between two stages: To runs only after From succeeded.
type Edge struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to"   validate:"required"`
}

// WorkflowDefinition is an immutable, versioned DAG of stages. Exactly one version per
// name is active at any time; superseding a definition inserts a new version and flips
// the active flag, it never mutates an existing row.
type WorkflowDefinition struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"    validate:"required,min=3"`
	Version   int       `json:"version" validate:"gte=1"`
	Stages    []Stage   `json:"stages"  validate:"required,min=1,dive"`
	Edges     []Edge    `json:"edges"   validate:"dive"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Definition validation errors, surfaced synchronously at registration time.
var (
	ErrCyclicDefinition = errors.New("definition contains a cycle")
	ErrDanglingEdge     = errors.New("edge references undefined stage")
	ErrDuplicateStage   = errors.New("duplicate stage id")
	ErrDuplicateEdge    = errors.New("duplicate edge")
	ErrAmbiguousJoin    = errors.New("multi-predecessor stage must declare join: all")
)

// Validate checks the structural invariants of the DAG: every edge references a defined
// stage, stage ids are unique, the edge set is acyclic, and every multi-predecessor
// stage declares AND-join semantics explicitly. No other join mode exists; a fan-in
// stage without an explicit declaration is rejected rather than guessed at.
func (d *WorkflowDefinition) Validate() error {
	seen := make(map[string]struct{}, len(d.Stages))
	for _, stage := range d.Stages {
		if _, dup := seen[stage.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateStage, stage.ID)
		}

		seen[stage.ID] = struct{}{}
	}

	edgeSeen := make(map[Edge]struct{}, len(d.Edges))
	for _, edge := range d.Edges {
		if _, ok := seen[edge.From]; !ok {
			return fmt.Errorf("%w: %s -> %s (from)", ErrDanglingEdge, edge.From, edge.To)
		}

		if _, ok := seen[edge.To]; !ok {
			return fmt.Errorf("%w: %s -> %s (to)", ErrDanglingEdge, edge.From, edge.To)
		}

		if _, dup := edgeSeen[edge]; dup {
			return fmt.Errorf("%w: %s -> %s", ErrDuplicateEdge, edge.From, edge.To)
		}

		edgeSeen[edge] = struct{}{}
	}

	for _, stage := range d.Stages {
		if len(d.Predecessors(stage.ID)) > 1 && stage.Join != JoinAll {
			return fmt.Errorf("%w: %s", ErrAmbiguousJoin, stage.ID)
		}
	}

	_, err := d.TopologicalOrder()

	return err
}

// Stage returns the stage with the given id.
func (d *WorkflowDefinition) Stage(stageID string) (Stage, bool) {
	for _, stage := range d.Stages {
		if stage.ID == stageID {
			return stage, true
		}
	}

	return Stage{}, false
}

// Predecessors returns the ids of stages that must succeed before stageID may run.
func (d *WorkflowDefinition) Predecessors(stageID string) []string {
	var preds []string

	for _, edge := range d.Edges {
		if edge.To == stageID {
			preds = append(preds, edge.From)
		}
	}

	return preds
}

// RootStages returns the stages with no predecessors, in definition order.
func (d *WorkflowDefinition) RootStages() []Stage {
	hasPred := make(map[string]bool, len(d.Stages))
	for _, edge := range d.Edges {
		hasPred[edge.To] = true
	}

	var roots []Stage

	for _, stage := range d.Stages {
		if !hasPred[stage.ID] {
			roots = append(roots, stage)
		}
	}

	return roots
}

// TopologicalOrder returns the stage ids in a dependency-respecting order using Kahn's
// algorithm. Ties are broken by definition order so the result is deterministic. Returns
// ErrCyclicDefinition when the edge set contains a cycle.
func (d *WorkflowDefinition) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(d.Stages))
	for _, stage := range d.Stages {
		inDegree[stage.ID] = 0
	}

	for _, edge := range d.Edges {
		inDegree[edge.To]++
	}

	var queue []string

	for _, stage := range d.Stages {
		if inDegree[stage.ID] == 0 {
			queue = append(queue, stage.ID)
		}
	}

	order := make([]string, 0, len(d.Stages))

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		for _, stage := range d.Stages {
			for _, edge := range d.Edges {
				if edge.From == current && edge.To == stage.ID {
					inDegree[stage.ID]--
					if inDegree[stage.ID] == 0 {
						queue = append(queue, stage.ID)
					}
				}
			}
		}
	}

	if len(order) != len(d.Stages) {
		return nil, ErrCyclicDefinition
	}

	return order, nil
}
