// Package handling implements the professional side of a control: reading
// the committed answers, drafting the report and patient message, and the
// finish that hands the request over to notification.
package handling

import (
	"time"

	"github.com/google/uuid"

	"github.com/remotecare/remotecare/internal/domain/audit"
)

// Report maps to the report table. Conclusion, report text and message text
// are stored encrypted with the patient's key.
type Report struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	RequestID       uuid.UUID  `db:"request_id" json:"request_id"`
	ProfessionalID  uuid.UUID  `db:"professional_id" json:"professional_id"`
	EncryptionKeyID uuid.UUID  `db:"encryption_key_id" json:"-"`
	Conclusion      string     `db:"conclusion" json:"conclusion"`
	ReportText      string     `db:"report_text" json:"report_text"`
	MessageText     string     `db:"message_text" json:"message_text"`
	FinishedAt      *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// AuditRef implements audit.Subject.
func (r *Report) AuditRef() audit.Ref {
	return audit.Ref{Module: "handling", ModelName: "report", ModelID: r.ID}
}

// AuditKeyID implements audit.Subject.
func (r *Report) AuditKeyID() *uuid.UUID {
	if r.EncryptionKeyID == uuid.Nil {
		return nil
	}
	id := r.EncryptionKeyID
	return &id
}

// SensitiveFields implements audit.Subject.
func (r *Report) SensitiveFields() []string {
	return []string{"conclusion", "report_text", "message_text"}
}

// HandlingFinished is emitted when the professional finishes a control.
// Consumers must be idempotent on EventID.
type HandlingFinished struct {
	EventID   uuid.UUID `json:"event_id"`
	RequestID uuid.UUID `json:"request_id"`
	PatientID uuid.UUID `json:"patient_id"`
	Addresses []string  `json:"addresses"`
}
