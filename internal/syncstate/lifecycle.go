package syncstate

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/Mschirtzinger/offsync/internal/schema"
)

// Event drives a metadata row from one status to the next.
type Event string

const (
	// EventStart claims a row for the running session.
	EventStart Event = "start"
	// EventComplete records a successful sync.
	EventComplete Event = "complete"
	// EventFail records a failed attempt.
	EventFail Event = "fail"
	// EventConflict parks the row until the conflict is resolved.
	EventConflict Event = "conflict"
	// EventRetry puts a failed row back in the queue.
	EventRetry Event = "retry"
	// EventReset releases a row claimed by a session that never finished.
	EventReset Event = "reset"
)

var lifecycle = fsm.Events{
	{Name: string(EventStart), Src: []string{string(schema.StatusPending), string(schema.StatusCompleted), string(schema.StatusConflict)}, Dst: string(schema.StatusInProgress)},
	{Name: string(EventComplete), Src: []string{string(schema.StatusInProgress)}, Dst: string(schema.StatusCompleted)},
	{Name: string(EventFail), Src: []string{string(schema.StatusInProgress)}, Dst: string(schema.StatusFailed)},
	{Name: string(EventConflict), Src: []string{string(schema.StatusInProgress)}, Dst: string(schema.StatusConflict)},
	{Name: string(EventRetry), Src: []string{string(schema.StatusFailed)}, Dst: string(schema.StatusPending)},
	{Name: string(EventReset), Src: []string{string(schema.StatusInProgress)}, Dst: string(schema.StatusPending)},
}

// Next returns the status reached by applying event to from.
func Next(from schema.SyncStatus, event Event) (schema.SyncStatus, error) {
	if !from.Valid() {
		return "", fmt.Errorf("invalid status %q", from)
	}
	machine := fsm.NewFSM(string(from), lifecycle, nil)
	if err := machine.Event(context.Background(), string(event)); err != nil {
		return "", fmt.Errorf("cannot %s a %s record: %w", event, from, err)
	}
	return schema.SyncStatus(machine.Current()), nil
}

// Can reports whether event is allowed from status from.
func Can(from schema.SyncStatus, event Event) bool {
	return fsm.NewFSM(string(from), lifecycle, nil).Can(string(event))
}

// Advance applies event to m in place.
func Advance(m *schema.SyncMetadata, event Event) error {
	next, err := Next(m.Status, event)
	if err != nil {
		return fmt.Errorf("%s/%s: %w", m.EntityName, m.EntityID, err)
	}
	m.Status = next
	return nil
}

// Claim moves m to in_progress from whatever settled state it is in. Failed
// rows pass through pending first.
func Claim(m *schema.SyncMetadata) error {
	if m.Status == schema.StatusFailed {
		if err := Advance(m, EventRetry); err != nil {
			return err
		}
	}
	return Advance(m, EventStart)
}
