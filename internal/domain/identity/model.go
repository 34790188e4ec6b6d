// Package identity holds users, hospitals and the encryption key registry.
package identity

import (
	"time"

	"github.com/google/uuid"

	"github.com/remotecare/remotecare/internal/domain/audit"
)

// Hospital maps to the hospital table. It scopes patient visibility.
type Hospital struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Abbreviation string    `db:"abbreviation" json:"abbreviation"`
	City         string    `db:"city" json:"city"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// EncryptionKey maps to the encryption_key table. Rows are immutable once
// created; they outlive their owning user so old audit entries stay
// decryptable.
type EncryptionKey struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Key       []byte    `db:"key" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// PatientAttrs is the patient-specific attribute bundle.
type PatientAttrs struct {
	Disease   string     `json:"disease"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Phone     *string    `json:"phone,omitempty"`
}

// ProfessionalAttrs is the professional-specific attribute bundle.
type ProfessionalAttrs struct {
	Specialty    string `json:"specialty"`
	Registration string `json:"registration,omitempty"`
}

// User maps to the app_user table. Role selects which attribute bundle is
// populated; there are no subtype tables.
type User struct {
	ID              uuid.UUID          `db:"id" json:"id"`
	HospitalID      uuid.UUID          `db:"hospital_id" json:"hospital_id"`
	Role            string             `db:"role" json:"role"`
	FirstName       string             `db:"first_name" json:"first_name"`
	LastName        string             `db:"last_name" json:"last_name"`
	Email           string             `db:"email" json:"email"`
	PasswordHash    string             `db:"password_hash" json:"-"`
	EncryptionKeyID uuid.UUID          `db:"encryption_key_id" json:"encryption_key_id"`
	Patient         *PatientAttrs      `db:"-" json:"patient,omitempty"`
	Professional    *ProfessionalAttrs `db:"-" json:"professional,omitempty"`
	CreatedAt       time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `db:"updated_at" json:"updated_at"`
}

// AuditRef implements audit.Subject.
func (u *User) AuditRef() audit.Ref {
	return audit.Ref{Module: "identity", ModelName: "user", ModelID: u.ID}
}

// AuditKeyID implements audit.Subject.
func (u *User) AuditKeyID() *uuid.UUID {
	if u.EncryptionKeyID == uuid.Nil {
		return nil
	}
	id := u.EncryptionKeyID
	return &id
}

// SensitiveFields implements audit.Subject.
func (u *User) SensitiveFields() []string {
	return []string{"first_name", "last_name", "email"}
}

// auditValues flattens the fields tracked in the change log.
func (u *User) auditValues() map[string]interface{} {
	m := map[string]interface{}{
		"hospital_id": u.HospitalID.String(),
		"role":        u.Role,
		"first_name":  u.FirstName,
		"last_name":   u.LastName,
		"email":       u.Email,
	}
	if u.Patient != nil {
		m["disease"] = u.Patient.Disease
	}
	if u.Professional != nil {
		m["specialty"] = u.Professional.Specialty
	}
	return m
}
