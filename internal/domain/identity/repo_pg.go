package identity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/remotecare/remotecare/internal/platform/auth"
	"github.com/remotecare/remotecare/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== User Repository ===========

type userRepoPG struct{ pool *pgxpool.Pool }

func NewUserRepoPG(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{pool: pool}
}

func (r *userRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const userCols = `id, hospital_id, role, first_name, last_name, email, password_hash,
	encryption_key_id, role_attrs, created_at, updated_at`

func (r *userRepoPG) scanUser(row pgx.Row) (*User, error) {
	var u User
	var attrs []byte
	err := row.Scan(&u.ID, &u.HospitalID, &u.Role, &u.FirstName, &u.LastName, &u.Email,
		&u.PasswordHash, &u.EncryptionKeyID, &attrs, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(attrs) > 0 {
		switch u.Role {
		case auth.RolePatient:
			u.Patient = &PatientAttrs{}
			err = json.Unmarshal(attrs, u.Patient)
		case auth.RoleProfessional:
			u.Professional = &ProfessionalAttrs{}
			err = json.Unmarshal(attrs, u.Professional)
		}
		if err != nil {
			return nil, fmt.Errorf("decode role attrs: %w", err)
		}
	}
	return &u, nil
}

func (r *userRepoPG) roleAttrs(u *User) ([]byte, error) {
	switch {
	case u.Patient != nil:
		return json.Marshal(u.Patient)
	case u.Professional != nil:
		return json.Marshal(u.Professional)
	default:
		return nil, nil
	}
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	attrs, err := r.roleAttrs(u)
	if err != nil {
		return fmt.Errorf("encode role attrs: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO app_user (id, hospital_id, role, first_name, last_name, email,
			password_hash, encryption_key_id, role_attrs)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		u.ID, u.HospitalID, u.Role, u.FirstName, u.LastName, u.Email,
		u.PasswordHash, u.EncryptionKeyID, attrs)
	return err
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.scanUser(r.conn(ctx).QueryRow(ctx, `SELECT `+userCols+` FROM app_user WHERE id = $1`, id))
}

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.scanUser(r.conn(ctx).QueryRow(ctx, `SELECT `+userCols+` FROM app_user WHERE email = $1`, email))
}

func (r *userRepoPG) Update(ctx context.Context, u *User) error {
	attrs, err := r.roleAttrs(u)
	if err != nil {
		return fmt.Errorf("encode role attrs: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		UPDATE app_user SET hospital_id=$2, first_name=$3, last_name=$4, email=$5,
			password_hash=$6, role_attrs=$7, updated_at=NOW()
		WHERE id = $1`,
		u.ID, u.HospitalID, u.FirstName, u.LastName, u.Email, u.PasswordHash, attrs)
	return err
}

func (r *userRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM app_user WHERE id = $1`, id)
	return err
}

func (r *userRepoPG) List(ctx context.Context, limit, offset int) ([]*User, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM app_user`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+userCols+` FROM app_user ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*User
	for rows.Next() {
		u, err := r.scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, u)
	}
	return items, total, nil
}

func (r *userRepoPG) ListByHospital(ctx context.Context, hospitalID uuid.UUID, role string, limit, offset int) ([]*User, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM app_user WHERE hospital_id = $1 AND ($2 = '' OR role = $2)`,
		hospitalID, role).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+userCols+` FROM app_user
		WHERE hospital_id = $1 AND ($2 = '' OR role = $2)
		ORDER BY last_name, first_name LIMIT $3 OFFSET $4`,
		hospitalID, role, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*User
	for rows.Next() {
		u, err := r.scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, u)
	}
	return items, total, nil
}

// =========== Hospital Repository ===========

type hospitalRepoPG struct{ pool *pgxpool.Pool }

func NewHospitalRepoPG(pool *pgxpool.Pool) HospitalRepository {
	return &hospitalRepoPG{pool: pool}
}

func (r *hospitalRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *hospitalRepoPG) Create(ctx context.Context, h *Hospital) error {
	h.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO hospital (id, name, abbreviation, city)
		VALUES ($1,$2,$3,$4)`,
		h.ID, h.Name, h.Abbreviation, h.City)
	return err
}

func (r *hospitalRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	var h Hospital
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, name, abbreviation, city, created_at FROM hospital WHERE id = $1`, id).
		Scan(&h.ID, &h.Name, &h.Abbreviation, &h.City, &h.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *hospitalRepoPG) List(ctx context.Context, limit, offset int) ([]*Hospital, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM hospital`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, name, abbreviation, city, created_at FROM hospital ORDER BY name LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Hospital
	for rows.Next() {
		var h Hospital
		if err := rows.Scan(&h.ID, &h.Name, &h.Abbreviation, &h.City, &h.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &h)
	}
	return items, total, nil
}

// =========== Key Repository ===========

type keyRepoPG struct{ pool *pgxpool.Pool }

func NewKeyRepoPG(pool *pgxpool.Pool) KeyRepository {
	return &keyRepoPG{pool: pool}
}

func (r *keyRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *keyRepoPG) Create(ctx context.Context, k *EncryptionKey) error {
	k.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO encryption_key (id, key) VALUES ($1,$2)`, k.ID, k.Key)
	return err
}

func (r *keyRepoPG) Get(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var key []byte
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT key FROM encryption_key WHERE id = $1`, id).Scan(&key)
	if err != nil {
		return nil, err
	}
	return key, nil
}
