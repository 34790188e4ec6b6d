package handling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/remotecare/remotecare/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) ReportRepository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const reportCols = `id, request_id, professional_id, encryption_key_id,
	conclusion, report_text, message_text, finished_at, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, rep *Report) error {
	if rep.ID == uuid.Nil {
		rep.ID = uuid.New()
	}
	now := time.Now().UTC()
	rep.CreatedAt = now
	rep.UpdatedAt = now
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO report (
			id, request_id, professional_id, encryption_key_id,
			conclusion, report_text, message_text, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rep.ID, rep.RequestID, rep.ProfessionalID, rep.EncryptionKeyID,
		rep.Conclusion, rep.ReportText, rep.MessageText, rep.CreatedAt, rep.UpdatedAt,
	)
	return err
}

func (r *repoPG) GetByRequest(ctx context.Context, requestID uuid.UUID) (*Report, error) {
	var rep Report
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+reportCols+` FROM report WHERE request_id = $1`, requestID).Scan(
		&rep.ID, &rep.RequestID, &rep.ProfessionalID, &rep.EncryptionKeyID,
		&rep.Conclusion, &rep.ReportText, &rep.MessageText,
		&rep.FinishedAt, &rep.CreatedAt, &rep.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoReport
	}
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

func (r *repoPG) Update(ctx context.Context, rep *Report) error {
	rep.UpdatedAt = time.Now().UTC()
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE report SET
			conclusion=$2, report_text=$3, message_text=$4, finished_at=$5, updated_at=$6
		WHERE id = $1`,
		rep.ID, rep.Conclusion, rep.ReportText, rep.MessageText, rep.FinishedAt, rep.UpdatedAt,
	)
	return err
}
