package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/remotecare/remotecare/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) Append(ctx context.Context, e *LogEntry) error {
	e.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO log_entry (id, added_on, added_by, encryption_key_id, blob)
		VALUES ($1,$2,$3,$4,$5)`,
		e.ID, e.AddedOn, e.AddedBy, e.EncryptionKeyID, e.Blob)
	return err
}

func (r *repoPG) ListBySubject(ctx context.Context, modelName string, modelID uuid.UUID) ([]*LogEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, added_on, added_by, encryption_key_id, blob
		FROM log_entry
		WHERE blob->>'model_name' = $1 AND blob->>'model_id' = $2
		ORDER BY added_on, id`,
		modelName, modelID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.AddedOn, &e.AddedBy, &e.EncryptionKeyID, &e.Blob); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
