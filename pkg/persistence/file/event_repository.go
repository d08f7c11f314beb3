package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/orcha-dev/orcha/pkg/events"
)

const eventsDir = "events"

// EventRepository appends one JSON file per event, grouped per execution. A sequence
// number in the file name preserves append order even when timestamps collide.
type EventRepository struct {
	p *Persistence
}

func (er *EventRepository) Append(_ context.Context, event *events.WorkflowEvent) error {
	er.p.mu.Lock()
	defer er.p.mu.Unlock()

	dir := filepath.Join(eventsDir, event.ExecutionID)

	names, err := er.p.listJSON(dir)
	if err != nil {
		return err
	}

	fileName := fmt.Sprintf("%08d-%s", len(names), event.ID)

	return er.p.writeJSON(dir, fileName, event)
}

func (er *EventRepository) ByExecution(_ context.Context, executionID string) ([]*events.WorkflowEvent, error) {
	er.p.mu.Lock()
	defer er.p.mu.Unlock()

	dir := filepath.Join(eventsDir, executionID)

	names, err := er.p.listJSON(dir)
	if err != nil {
		return nil, err
	}

	sort.Strings(names)

	eventRows := make([]*events.WorkflowEvent, 0, len(names))

	for _, name := range names {
		var event events.WorkflowEvent
		if err := er.p.readJSON(dir, name, &event); err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, err
		}

		eventRows = append(eventRows, &event)
	}

	return eventRows, nil
}
