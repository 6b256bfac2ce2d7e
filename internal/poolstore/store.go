package poolstore

import (
	"context"
	"errors"
	"strconv"
	"time"
)

var ErrRecordNotFound = errors.New("container record not found")

type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusUnknown Status = "unknown"
)

// Hash field names of container:{name}:info.
const (
	FieldTenantID   = "tenant_id"
	FieldAgentID    = "agent_id"
	FieldSessionID  = "session_id"
	FieldRoomName   = "room_name"
	FieldStatus     = "status"
	FieldReuseCount = "reuse_count"
	FieldIdleSince  = "idle_since"
	FieldLastUsed   = "last_used"
	FieldAcquiredAt = "acquired_at"
	FieldCreatedAt  = "created_at"
	FieldWorkerID   = "worker_id"
)

// Record is the bookkeeping kept for one worker container.
type Record struct {
	Name       string
	TenantID   string
	AgentID    string
	SessionID  string
	RoomName   string
	Status     Status
	ReuseCount int
	IdleSince  time.Time
	LastUsed   time.Time
	AcquiredAt time.Time
	CreatedAt  time.Time
	WorkerID   string
}

// Store holds per-tenant idle/busy membership and per-container records.
// A name is a member of at most one of a tenant's idle and busy sets.
type Store interface {
	AddIdle(ctx context.Context, tenantID, name string) error
	// TakeIdle atomically pops an arbitrary idle member. ok is false when the
	// idle set is empty. The popped name is in neither set until MarkBusy,
	// AddIdle or Delete.
	TakeIdle(ctx context.Context, tenantID string) (name string, ok bool, err error)
	MarkBusy(ctx context.Context, tenantID, name string) error
	// ReleaseToIdle moves name from busy to idle unless the idle set already
	// holds maxIdle members. A name that is not busy is added to idle under
	// the same cap. maxIdle <= 0 disables the cap.
	ReleaseToIdle(ctx context.Context, tenantID, name string, maxIdle int) (bool, error)
	// RemoveIdle claims name out of the idle set. false means it was no
	// longer there.
	RemoveIdle(ctx context.Context, tenantID, name string) (bool, error)

	GetRecord(ctx context.Context, name string) (*Record, error)
	PutRecord(ctx context.Context, rec *Record) error
	SetField(ctx context.Context, name, field, value string) error
	IncrReuse(ctx context.Context, name string) (int, error)
	// Delete drops name from both sets and removes its record. Deleting an
	// absent name succeeds.
	Delete(ctx context.Context, tenantID, name string) error

	ListIdle(ctx context.Context, tenantID string) ([]string, error)
	ListBusy(ctx context.Context, tenantID string) ([]string, error)
	IdleCount(ctx context.Context, tenantID string) (int, error)
	TenantsWithIdle(ctx context.Context) ([]string, error)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (r *Record) hash() map[string]string {
	return map[string]string{
		FieldTenantID:   r.TenantID,
		FieldAgentID:    r.AgentID,
		FieldSessionID:  r.SessionID,
		FieldRoomName:   r.RoomName,
		FieldStatus:     string(r.Status),
		FieldReuseCount: strconv.Itoa(r.ReuseCount),
		FieldIdleSince:  formatTime(r.IdleSince),
		FieldLastUsed:   formatTime(r.LastUsed),
		FieldAcquiredAt: formatTime(r.AcquiredAt),
		FieldCreatedAt:  formatTime(r.CreatedAt),
		FieldWorkerID:   r.WorkerID,
	}
}

func recordFromHash(name string, m map[string]string) *Record {
	reuse, _ := strconv.Atoi(m[FieldReuseCount])
	return &Record{
		Name:       name,
		TenantID:   m[FieldTenantID],
		AgentID:    m[FieldAgentID],
		SessionID:  m[FieldSessionID],
		RoomName:   m[FieldRoomName],
		Status:     Status(m[FieldStatus]),
		ReuseCount: reuse,
		IdleSince:  parseTime(m[FieldIdleSince]),
		LastUsed:   parseTime(m[FieldLastUsed]),
		AcquiredAt: parseTime(m[FieldAcquiredAt]),
		CreatedAt:  parseTime(m[FieldCreatedAt]),
		WorkerID:   m[FieldWorkerID],
	}
}

// FormatTime renders a timestamp the way record fields store it.
func FormatTime(t time.Time) string {
	return formatTime(t)
}
