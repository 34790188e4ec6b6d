package identity

import (
	"context"

	"github.com/google/uuid"
)

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*User, int, error)
	ListByHospital(ctx context.Context, hospitalID uuid.UUID, role string, limit, offset int) ([]*User, int, error)
}

type HospitalRepository interface {
	Create(ctx context.Context, h *Hospital) error
	GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error)
	List(ctx context.Context, limit, offset int) ([]*Hospital, int, error)
}

// KeyRepository is the encryption key registry. Keys are write-once; there is
// no update or delete.
type KeyRepository interface {
	Create(ctx context.Context, k *EncryptionKey) error
	Get(ctx context.Context, id uuid.UUID) ([]byte, error)
}
