package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/medstock/internal/platform/db"
)

// ApprovalAction enumerates approval log actions.
type ApprovalAction string

const (
	// ApprovalApprove marks an approve action.
	ApprovalApprove ApprovalAction = "APPROVE"
	// ApprovalReject marks a reject action.
	ApprovalReject ApprovalAction = "REJECT"
)

// approvalNamespace seeds deterministic reference ids.
var approvalNamespace = uuid.MustParse("6f1d3c52-0e0b-4c59-9a57-4f3f0f2f8a11")

// ApprovalRefID derives a stable reference id for an entity of a module.
func ApprovalRefID(module string, entityID int64) uuid.UUID {
	return uuid.NewSHA1(approvalNamespace, []byte(fmt.Sprintf("%s:%d", module, entityID)))
}

// ApprovalLog represents a single approval record.
type ApprovalLog struct {
	ID       int64
	Module   string
	RefID    uuid.UUID
	EntityID int64
	ActorID  int64
	Action   ApprovalAction
	Note     string
	At       time.Time
}

// ApprovalRecorder persists approval history.
type ApprovalRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewApprovalRecorder constructs ApprovalRecorder.
func NewApprovalRecorder(pool *pgxpool.Pool, logger *slog.Logger) *ApprovalRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalRecorder{pool: pool, logger: logger}
}

// Record writes approval entry to database.
func (r *ApprovalRecorder) Record(ctx context.Context, log ApprovalLog) error {
	if r == nil {
		return errors.New("approval recorder not initialised")
	}
	if log.Module == "" {
		return errors.New("approval module required")
	}
	if log.ActorID == 0 {
		return errors.New("approval actor required")
	}
	if log.Action == "" {
		return errors.New("approval action required")
	}
	if log.RefID == uuid.Nil {
		log.RefID = ApprovalRefID(log.Module, log.EntityID)
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `INSERT INTO approvals (module, ref_id, entity_id, actor_id, action, note, at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`, log.Module, log.RefID, log.EntityID, log.ActorID, string(log.Action), log.Note, at)
	if err != nil {
		r.logger.Error("record approval", slog.String("module", log.Module), slog.Int64("entity_id", log.EntityID), slog.Any("error", err))
		return err
	}
	return nil
}

// List returns approvals for an entity of module, oldest first.
func (r *ApprovalRecorder) List(ctx context.Context, module string, entityID int64) ([]ApprovalLog, error) {
	if r == nil {
		return nil, errors.New("approval recorder not initialised")
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT id, module, ref_id, entity_id, actor_id, action, note, at
FROM approvals WHERE module=$1 AND ref_id=$2 ORDER BY at ASC, id ASC`, module, ApprovalRefID(module, entityID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []ApprovalLog
	for rows.Next() {
		var l ApprovalLog
		var action string
		if err := rows.Scan(&l.ID, &l.Module, &l.RefID, &l.EntityID, &l.ActorID, &action, &l.Note, &l.At); err != nil {
			return nil, err
		}
		l.Action = ApprovalAction(action)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}
