package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sor-automation-api/internal/models"
)

// ErrStaleState is returned when a guarded transition finds the request in a different status.
var ErrStaleState = errors.New("sor request status changed concurrently")

const sorRequestColumns = `id, learner_id, learner_name, learner_email, scores, overall_score, status, failed_stage,
        pdf_path, signature_request_id, signature_sent_at, signed_pdf_path, error_message, failure_code, created_at, updated_at`

const insertAuditQuery = `INSERT INTO sor_audit_log (request_id, action, status, details, actor, created_at)
        VALUES (:request_id, :action, :status, :details, :actor, :created_at)`

// SORRequestRepository persists requests and their audit trail.
type SORRequestRepository struct {
	db *sqlx.DB
}

// NewSORRequestRepository constructs a SORRequestRepository.
func NewSORRequestRepository(db *sqlx.DB) *SORRequestRepository {
	return &SORRequestRepository{db: db}
}

// Create inserts a pending request together with its creation audit entry.
func (r *SORRequestRepository) Create(ctx context.Context, req *models.SORRequest, audit models.AuditEntry) (err error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = req.CreatedAt
	if req.Status == "" {
		req.Status = models.SORStatusPending
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create sor request: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const query = `INSERT INTO sor_requests (id, learner_id, learner_name, learner_email, scores, overall_score, status, created_at, updated_at)
        VALUES (:id, :learner_id, :learner_name, :learner_email, :scores, :overall_score, :status, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, query, req); err != nil {
		return fmt.Errorf("create sor request: %w", err)
	}

	audit.RequestID = req.ID
	if err = insertAudit(ctx, tx, &audit, req.CreatedAt); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create sor request: %w", err)
	}
	return nil
}

// FindByID fetches a request by id. sql.ErrNoRows is returned unwrapped when missing.
func (r *SORRequestRepository) FindByID(ctx context.Context, id string) (*models.SORRequest, error) {
	query := fmt.Sprintf("SELECT %s FROM sor_requests WHERE id = $1", sorRequestColumns)
	var req models.SORRequest
	if err := r.db.GetContext(ctx, &req, query, id); err != nil {
		return nil, err
	}
	return &req, nil
}

// List returns requests matching the filter, most recently touched first.
func (r *SORRequestRepository) List(ctx context.Context, filter models.SORRequestFilter) ([]models.SORRequest, int, error) {
	args := []interface{}{}
	conditions := []string{"1=1"}

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(LOWER(learner_name) LIKE $%d OR LOWER(learner_id) LIKE $%d OR LOWER(learner_email) LIKE $%d)", len(args)+1, len(args)+1, len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}

	where := strings.Join(conditions, " AND ")

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s FROM sor_requests WHERE %s ORDER BY updated_at DESC, created_at DESC LIMIT %d OFFSET %d", sorRequestColumns, where, size, offset)
	var requests []models.SORRequest
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list sor requests: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM sor_requests WHERE %s", where)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count sor requests: %w", err)
	}
	return requests, total, nil
}

// ListIDsByStatus returns up to limit request ids in the given status, oldest first.
func (r *SORRequestRepository) ListIDsByStatus(ctx context.Context, status models.SORStatus, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	var ids []string
	const query = `SELECT id FROM sor_requests WHERE status = $1 ORDER BY created_at ASC, id ASC LIMIT $2`
	if err := r.db.SelectContext(ctx, &ids, query, status, limit); err != nil {
		return nil, fmt.Errorf("list sor requests by status: %w", err)
	}
	return ids, nil
}

// ApplyTransition moves a request from one status to another and appends the audit entries
// in a single transaction. ErrStaleState is returned when the request is no longer in From.
func (r *SORRequestRepository) ApplyTransition(ctx context.Context, t models.SORTransition) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sor transition: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	const query = `UPDATE sor_requests SET status = $1, failed_stage = $2, error_message = $3, failure_code = $4,
        pdf_path = COALESCE($5, pdf_path),
        signature_request_id = COALESCE($6, signature_request_id),
        signature_sent_at = COALESCE($7, signature_sent_at),
        signed_pdf_path = COALESCE($8, signed_pdf_path),
        updated_at = $9
        WHERE id = $10 AND status = $11`
	res, err := tx.ExecContext(ctx, query,
		t.To, t.FailedStage, t.ErrorMessage, t.FailureCode,
		t.PDFPath, t.SignatureRequestID, t.SignatureSentAt, t.SignedPDFPath,
		now, t.RequestID, t.From,
	)
	if err != nil {
		return fmt.Errorf("update sor request status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sor transition rows affected: %w", err)
	}
	if affected == 0 {
		err = ErrStaleState
		return err
	}

	for i := range t.Audit {
		entry := t.Audit[i]
		entry.RequestID = t.RequestID
		if err = insertAudit(ctx, tx, &entry, now); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit sor transition: %w", err)
	}
	return nil
}

// AppendAudit records entries that do not change the request status.
func (r *SORRequestRepository) AppendAudit(ctx context.Context, entries ...models.AuditEntry) (err error) {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append audit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	for i := range entries {
		if err = insertAudit(ctx, tx, &entries[i], now); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit append audit: %w", err)
	}
	return nil
}

// ListAudit returns the audit trail of a request in insertion order.
func (r *SORRequestRepository) ListAudit(ctx context.Context, requestID string) ([]models.AuditEntry, error) {
	const query = `SELECT id, request_id, action, status, details, actor, created_at
        FROM sor_audit_log WHERE request_id = $1 ORDER BY created_at ASC, id ASC`
	var entries []models.AuditEntry
	if err := r.db.SelectContext(ctx, &entries, query, requestID); err != nil {
		return nil, fmt.Errorf("list sor audit: %w", err)
	}
	return entries, nil
}

// Stats aggregates request counts. Requests sent for signature before overdueBefore count as overdue.
func (r *SORRequestRepository) Stats(ctx context.Context, overdueBefore, recentSince time.Time) (*models.SORStats, error) {
	var rows []struct {
		Status models.SORStatus `db:"status"`
		Count  int              `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM sor_requests GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count sor requests by status: %w", err)
	}

	stats := &models.SORStats{ByStatus: make(map[models.SORStatus]int, len(models.SORStatuses))}
	for _, status := range models.SORStatuses {
		stats.ByStatus[status] = 0
	}
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.Count
		stats.Total += row.Count
	}

	var extra struct {
		Overdue int `db:"overdue"`
		Recent  int `db:"recent"`
	}
	const query = `SELECT
        COUNT(*) FILTER (WHERE status = $1 AND signature_sent_at < $2) AS overdue,
        COUNT(*) FILTER (WHERE created_at >= $3) AS recent
        FROM sor_requests`
	if err := r.db.GetContext(ctx, &extra, query, models.SORStatusSignatureSent, overdueBefore, recentSince); err != nil {
		return nil, fmt.Errorf("count overdue sor requests: %w", err)
	}
	stats.Overdue = extra.Overdue
	stats.Recent24h = extra.Recent
	return stats, nil
}

func insertAudit(ctx context.Context, tx *sqlx.Tx, entry *models.AuditEntry, at time.Time) error {
	if entry.Actor == "" {
		entry.Actor = models.AuditActorSystem
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = at
	}
	if _, err := tx.NamedExecContext(ctx, insertAuditQuery, entry); err != nil {
		return fmt.Errorf("insert sor audit %s: %w", entry.Action, err)
	}
	return nil
}
