package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/Mschirtzinger/offsync/internal/connection"
	"github.com/Mschirtzinger/offsync/internal/engine"
	"github.com/Mschirtzinger/offsync/internal/schema"
)

// SyncStartedData describes a session that just began.
type SyncStartedData struct {
	SessionID   string           `json:"session_id"`
	SyncType    schema.SyncType  `json:"sync_type"`
	Direction   schema.Direction `json:"direction"`
	Entity      string           `json:"entity,omitempty"`
	InitiatedBy string           `json:"initiated_by,omitempty"`
}

// SyncCompleteData summarises a finished session.
type SyncCompleteData struct {
	SessionID         string           `json:"session_id"`
	Status            schema.LogStatus `json:"status"`
	Success           bool             `json:"success"`
	EntitiesSynced    int              `json:"entities_synced"`
	EntitiesFailed    int              `json:"entities_failed"`
	ConflictsDetected int              `json:"conflicts_detected"`
	ConflictsResolved int              `json:"conflicts_resolved"`
	DurationMillis    int64            `json:"duration_ms"`
	Error             string           `json:"error,omitempty"`
}

// ConflictData identifies a conflicting record.
type ConflictData struct {
	EntityName string                  `json:"entity_name"`
	EntityID   string                  `json:"entity_id"`
	Strategy   schema.ConflictStrategy `json:"strategy"`
	Automatic  bool                    `json:"automatic"`
}

// Handler turns engine and connection events into dashboard messages.
// Record-level successes and failures are not broadcast; they are
// summarised in sync_complete.
type Handler struct {
	engine.NopObserver

	server *Server
	logger *log.Logger
}

var _ engine.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, logger: logger}
}

func newMessage(typ MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, nil
}

func (h *Handler) send(typ MessageType, data any) {
	msg, err := newMessage(typ, data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(msg)
}

// SessionStarted implements engine.Observer.
func (h *Handler) SessionStarted(info engine.SessionInfo) {
	h.send(MessageTypeSyncStarted, SyncStartedData{
		SessionID:   info.SessionID,
		SyncType:    info.SyncType,
		Direction:   info.Direction,
		Entity:      info.Entity,
		InitiatedBy: info.InitiatedBy,
	})
}

// ConflictDetected implements engine.Observer.
func (h *Handler) ConflictDetected(entityName, entityID string, strategy schema.ConflictStrategy, automatic bool) {
	h.send(MessageTypeConflictDetected, ConflictData{
		EntityName: entityName,
		EntityID:   entityID,
		Strategy:   strategy,
		Automatic:  automatic,
	})
}

// SessionFinished implements engine.Observer.
func (h *Handler) SessionFinished(result *engine.SyncResult) {
	h.send(MessageTypeSyncComplete, SyncCompleteData{
		SessionID:         result.SessionID,
		Status:            result.Status,
		Success:           result.Success,
		EntitiesSynced:    result.EntitiesSynced,
		EntitiesFailed:    result.EntitiesFailed,
		ConflictsDetected: result.ConflictsDetected,
		ConflictsResolved: result.ConflictsResolved,
		DurationMillis:    result.Duration().Milliseconds(),
		Error:             result.ErrorMessage,
	})
}

// OnConnectionStatus broadcasts a connection status change.
func (h *Handler) OnConnectionStatus(status connection.Status) {
	h.logger.Printf("Connection status: cloud available=%t mode=%s", status.IsCloudAvailable, status.Mode)
	h.send(MessageTypeConnectionStatus, status)
}

// WatchConnection forwards every status update from updates until ctx is
// done or the channel closes.
func (h *Handler) WatchConnection(ctx context.Context, updates <-chan connection.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			h.OnConnectionStatus(st)
		}
	}
}
