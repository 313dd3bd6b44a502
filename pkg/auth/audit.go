package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kosherhub/kosherhub/pkg/database"
	"github.com/kosherhub/kosherhub/pkg/observability"
)

// Audit action names
const (
	AuditActionRegister       = "register"
	AuditActionLogin          = "login"
	AuditActionTokenRefresh   = "token_refresh"
	AuditActionLogout         = "logout"
	AuditActionPasswordChange = "password_change"
	AuditActionPasswordReset  = "password_reset"
	AuditActionEmailVerify    = "email_verify"
	AuditActionStepUp         = "step_up"
	AuditActionSessionRevoke  = "session_revoke"
	AuditActionProfileUpdate  = "profile_update"
	AuditActionGuestUpgrade   = "guest_upgrade"
)

// AuditEvent is one append-only authentication audit record.
type AuditEvent struct {
	UserID  string                 `json:"user_id,omitempty"`
	Action  string                 `json:"action"`
	IP      string                 `json:"ip,omitempty"`
	Success bool                   `json:"success"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// AuditLogger appends authentication events to auth_audit_log and
// mirrors them to the structured log. Audit failures never propagate to
// the caller; losing an audit row must not fail a login.
type AuditLogger struct {
	db     *database.Manager
	logger observability.Logger
}

// NewAuditLogger wires an audit logger.
func NewAuditLogger(db *database.Manager, logger observability.Logger) *AuditLogger {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &AuditLogger{db: db, logger: logger}
}

// Record appends one audit event.
func (al *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	details := event.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		detailsJSON = []byte("{}")
	}

	al.logger.Info("AUDIT: "+event.Action, map[string]interface{}{
		"user_id": event.UserID,
		"action":  event.Action,
		"success": event.Success,
		"ip":      event.IP,
		"details": string(detailsJSON),
	})

	if db := al.db.DB(); db != nil {
		_, err := db.ExecContext(ctx,
			`INSERT INTO auth_audit_log (user_id, action, ip, success, details)
			 VALUES ($1, $2, $3, $4, $5)`,
			nullString(event.UserID), event.Action, nullString(event.IP), event.Success, detailsJSON)
		if err != nil {
			al.logger.Warn("audit log write failed", map[string]interface{}{
				"action": event.Action,
				"error":  err.Error(),
			})
		}
	}
}

// RecentForUser returns the newest audit rows for one user, capped at
// limit.
func (al *AuditLogger) RecentForUser(ctx context.Context, uid string, limit int) ([]AuditRecord, error) {
	db := al.db.DB()
	if db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var records []AuditRecord
	err := db.SelectContext(ctx, &records,
		`SELECT id, user_id, action, ip, success, details, created_at
		 FROM auth_audit_log
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, uid, limit)
	if err != nil {
		return nil, database.ClassifyError(err, "SELECT auth_audit_log")
	}
	return records, nil
}

// AuditRecord is a stored audit row.
type AuditRecord struct {
	ID        int64           `db:"id" json:"id"`
	UserID    *string         `db:"user_id" json:"user_id,omitempty"`
	Action    string          `db:"action" json:"action"`
	IP        *string         `db:"ip" json:"ip,omitempty"`
	Success   bool            `db:"success" json:"success"`
	Details   json.RawMessage `db:"details" json:"details"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
