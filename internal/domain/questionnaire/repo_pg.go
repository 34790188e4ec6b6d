package questionnaire

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/remotecare/remotecare/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func conn(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// -- requests --

type requestRepoPG struct {
	pool *pgxpool.Pool
}

func NewRequestRepo(pool *pgxpool.Pool) RequestRepository {
	return &requestRepoPG{pool: pool}
}

const requestCols = `id, patient_id, disease, kind, urgent, status, created_on, deadline, finished_on, handled_on`

func (r *requestRepoPG) Create(ctx context.Context, req *Request) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO questionnaire_request (
			id, patient_id, disease, kind, urgent, status, created_on, deadline
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		req.ID, req.PatientID, req.Disease, req.Kind, req.Urgent, req.Status,
		req.CreatedOn, req.Deadline,
	)
	return err
}

func (r *requestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	req, err := scanRequest(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+requestCols+` FROM questionnaire_request WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownRequest
	}
	return req, err
}

func (r *requestRepoPG) Update(ctx context.Context, req *Request) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE questionnaire_request SET
			status=$2, deadline=$3, finished_on=$4, handled_on=$5
		WHERE id = $1`,
		req.ID, req.Status, req.Deadline, req.FinishedOn, req.HandledOn,
	)
	return err
}

func (r *requestRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM questionnaire_request WHERE id = $1`, id)
	return err
}

func (r *requestRepoPG) List(ctx context.Context, status string, limit, offset int) ([]*Request, int, error) {
	where := ""
	args := []interface{}{limit, offset}
	if status != "" {
		where = ` WHERE status = $3`
		args = append(args, status)
	}
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+requestCols+` FROM questionnaire_request`+where+
			` ORDER BY created_on DESC LIMIT $1 OFFSET $2`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out, err := collectRequests(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	countArgs := args[2:]
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM questionnaire_request`+strings.Replace(where, "$3", "$1", 1),
		countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *requestRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Request, int, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+requestCols+` FROM questionnaire_request
		 WHERE patient_id = $1 ORDER BY created_on DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out, err := collectRequests(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM questionnaire_request WHERE patient_id = $1`,
		patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *requestRepoPG) LastHealthcareQuality(ctx context.Context, patientID uuid.UUID, before time.Time, exclude uuid.UUID) (*time.Time, error) {
	var last *time.Time
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT MAX(rs.committed_at)
		FROM request_step rs
		JOIN questionnaire_request qr ON qr.id = rs.request_id
		WHERE qr.patient_id = $1 AND rs.step_id = $2
		  AND rs.committed_at <= $3 AND rs.request_id <> $4`,
		patientID, StepHealthcareQuality, before, exclude).Scan(&last)
	if err != nil {
		return nil, err
	}
	return last, nil
}

func (r *requestRepoPG) ListOverdue(ctx context.Context, cutoff time.Time) ([]*Request, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+requestCols+` FROM questionnaire_request
		 WHERE status = $1 AND handled_on < $2`,
		StatusHandled, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func scanRequest(row pgx.Row) (*Request, error) {
	var req Request
	err := row.Scan(&req.ID, &req.PatientID, &req.Disease, &req.Kind, &req.Urgent,
		&req.Status, &req.CreatedOn, &req.Deadline, &req.FinishedOn, &req.HandledOn)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func collectRequests(rows pgx.Rows) ([]*Request, error) {
	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// -- steps and records --

type stepRepoPG struct {
	pool *pgxpool.Pool
}

func NewStepRepo(pool *pgxpool.Pool) StepRepository {
	return &stepRepoPG{pool: pool}
}

func (r *stepRepoPG) CreateStep(ctx context.Context, s *RequestStep) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CommittedAt.IsZero() {
		s.CommittedAt = time.Now().UTC()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO request_step (id, request_id, step_id, committed_at)
		VALUES ($1,$2,$3,$4)`,
		s.ID, s.RequestID, s.StepID, s.CommittedAt,
	)
	return err
}

func (r *stepRepoPG) ListSteps(ctx context.Context, requestID uuid.UUID) ([]*RequestStep, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, request_id, step_id, committed_at
		FROM request_step WHERE request_id = $1 ORDER BY committed_at`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RequestStep
	for rows.Next() {
		var s RequestStep
		if err := rows.Scan(&s.ID, &s.RequestID, &s.StepID, &s.CommittedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// schemaFields returns the schema's field names in a stable order, which is
// also the column order of the record table.
func schemaFields(desc StepDescriptor) []string {
	fields := make([]string, 0, len(desc.Schema))
	for name := range desc.Schema {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return fields
}

func (r *stepRepoPG) CreateRecord(ctx context.Context, desc StepDescriptor, rec *StepRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	fields := schemaFields(desc)
	cols := []string{"id", "request_id", "created_at"}
	args := []interface{}{rec.ID, rec.RequestID, rec.CreatedAt}
	for _, f := range fields {
		cols = append(cols, f)
		args = append(args, rec.Values[f])
	}
	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	_, err := conn(ctx, r.pool).Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)`,
		desc.Table, strings.Join(cols, ", "), strings.Join(ph, ", ")), args...)
	return err
}

func (r *stepRepoPG) GetRecord(ctx context.Context, desc StepDescriptor, requestID uuid.UUID) (*StepRecord, error) {
	fields := schemaFields(desc)
	cols := append([]string{"id", "created_at"}, fields...)
	row := conn(ctx, r.pool).QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE request_id = $1`,
		strings.Join(cols, ", "), desc.Table), requestID)

	rec := &StepRecord{RequestID: requestID, StepID: desc.ID, Values: make(map[string]interface{})}
	dest := make([]interface{}, 0, len(cols))
	dest = append(dest, &rec.ID, &rec.CreatedAt)
	vals := make([]interface{}, len(fields))
	for i := range fields {
		dest = append(dest, &vals[i])
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	for i, f := range fields {
		if vals[i] != nil {
			rec.Values[f] = vals[i]
		}
	}
	return rec, nil
}

func (r *stepRepoPG) DeleteByRequest(ctx context.Context, requestID uuid.UUID) error {
	c := conn(ctx, r.pool)
	for _, table := range RecordTables {
		if _, err := c.Exec(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE request_id = $1`, table), requestID); err != nil {
			return err
		}
	}
	_, err := c.Exec(ctx, `DELETE FROM request_step WHERE request_id = $1`, requestID)
	return err
}

// -- wizard storage --

type wizardStoragePG struct {
	pool *pgxpool.Pool
}

func NewWizardStorage(pool *pgxpool.Pool) WizardStorage {
	return &wizardStoragePG{pool: pool}
}

func (w *wizardStoragePG) PutRaw(ctx context.Context, requestID uuid.UUID, stepID string, blob []byte) error {
	_, err := conn(ctx, w.pool).Exec(ctx, `
		INSERT INTO wizard_state (request_id, step_id, blob, updated_at)
		VALUES ($1,$2,$3,NOW())
		ON CONFLICT (request_id, step_id) DO UPDATE SET blob = $3, updated_at = NOW()`,
		requestID, stepID, blob,
	)
	return err
}

func (w *wizardStoragePG) GetRaw(ctx context.Context, requestID uuid.UUID, stepID string) ([]byte, error) {
	var blob []byte
	err := conn(ctx, w.pool).QueryRow(ctx,
		`SELECT blob FROM wizard_state WHERE request_id = $1 AND step_id = $2`,
		requestID, stepID).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return blob, err
}

func (w *wizardStoragePG) Clear(ctx context.Context, requestID uuid.UUID) error {
	_, err := conn(ctx, w.pool).Exec(ctx,
		`DELETE FROM wizard_state WHERE request_id = $1`, requestID)
	return err
}

func (w *wizardStoragePG) ClearStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := conn(ctx, w.pool).Exec(ctx,
		`DELETE FROM wizard_state WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// -- transaction runner --

type txRunnerPG struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) TxRunner {
	return &txRunnerPG{pool: pool}
}

// RunInRequestTx opens a transaction, takes the per-request advisory lock and
// runs fn. The lock is released with the transaction on every exit path.
func (t *txRunnerPG) RunInRequestTx(ctx context.Context, requestID uuid.UUID, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, t.pool, func(ctx context.Context) error {
		if err := db.LockRequest(ctx, requestID); err != nil {
			return err
		}
		return fn(ctx)
	})
}
