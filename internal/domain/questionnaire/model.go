package questionnaire

import (
	"time"

	"github.com/google/uuid"

	"github.com/remotecare/remotecare/internal/domain/audit"
)

// Kind selects the step sequence of a control.
type Kind string

const (
	KindRoutine Kind = "routine"
	KindUrgent  Kind = "urgent"
)

// Disease picks the disease activity step and its schema.
type Disease string

const (
	DiseaseCrohn   Disease = "crohn"
	DiseaseColitis Disease = "ulcerative_colitis"
)

// Request statuses, in lifecycle order.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusFinished   = "finished"
	StatusHandled    = "handled"
	StatusClosed     = "closed"
)

// Request is the aggregate root of one control. It maps to the
// questionnaire_request table.
type Request struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	PatientID  uuid.UUID  `db:"patient_id" json:"patient_id"`
	Disease    Disease    `db:"disease" json:"disease"`
	Kind       Kind       `db:"kind" json:"kind"`
	Urgent     bool       `db:"urgent" json:"urgent"`
	Status     string     `db:"status" json:"status"`
	CreatedOn  time.Time  `db:"created_on" json:"created_on"`
	Deadline   time.Time  `db:"deadline" json:"deadline"`
	FinishedOn *time.Time `db:"finished_on" json:"finished_on,omitempty"`
	HandledOn  *time.Time `db:"handled_on" json:"handled_on,omitempty"`
}

// AuditRef implements audit.Subject.
func (r *Request) AuditRef() audit.Ref {
	return audit.Ref{Module: "questionnaire", ModelName: "request", ModelID: r.ID}
}

// AuditKeyID implements audit.Subject. Request rows themselves hold no
// sensitive values, so entries stay plaintext.
func (r *Request) AuditKeyID() *uuid.UUID { return nil }

// SensitiveFields implements audit.Subject.
func (r *Request) SensitiveFields() []string { return nil }

// auditValues flattens the lifecycle fields tracked in the change log.
func (r *Request) auditValues() map[string]interface{} {
	m := map[string]interface{}{
		"patient_id": r.PatientID.String(),
		"disease":    string(r.Disease),
		"kind":       string(r.Kind),
		"status":     r.Status,
	}
	if r.FinishedOn != nil {
		m["finished_on"] = r.FinishedOn.UTC().Format(time.RFC3339)
	}
	if r.HandledOn != nil {
		m["handled_on"] = r.HandledOn.UTC().Format(time.RFC3339)
	}
	return m
}

// RequestStep marks one catalog step as committed. A row exists only after
// the step's submission passed validation.
type RequestStep struct {
	ID          uuid.UUID `db:"id" json:"id"`
	RequestID   uuid.UUID `db:"request_id" json:"request_id"`
	StepID      string    `db:"step_id" json:"step_id"`
	CommittedAt time.Time `db:"committed_at" json:"committed_at"`
}

// StepRecord holds the typed answers of one committed step. Values of
// sensitive fields are ciphertext; the rest plaintext. One table per step
// variant, named by the descriptor.
type StepRecord struct {
	ID        uuid.UUID              `json:"id"`
	RequestID uuid.UUID              `json:"request_id"`
	StepID    string                 `json:"step_id"`
	Values    map[string]interface{} `json:"values"`
	CreatedAt time.Time              `json:"created_at"`
}

// recordSubject adapts a step record to the audit log, carrying the patient's
// key handle and the schema's sensitive field list.
type recordSubject struct {
	record    *StepRecord
	keyID     uuid.UUID
	sensitive []string
}

func (s *recordSubject) AuditRef() audit.Ref {
	return audit.Ref{Module: "questionnaire", ModelName: s.record.StepID, ModelID: s.record.ID}
}

func (s *recordSubject) AuditKeyID() *uuid.UUID {
	if s.keyID == uuid.Nil {
		return nil
	}
	id := s.keyID
	return &id
}

func (s *recordSubject) SensitiveFields() []string { return s.sensitive }

// WizardState is one raw, possibly invalid step submission. Raw blobs live
// apart from committed records so resumable input is never mistaken for
// answers.
type WizardState struct {
	RequestID uuid.UUID `db:"request_id" json:"request_id"`
	StepID    string    `db:"step_id" json:"step_id"`
	Blob      []byte    `db:"blob" json:"blob"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// RequestFinished is emitted when a patient finalizes a request.
type RequestFinished struct {
	EventID   uuid.UUID `json:"event_id"`
	RequestID uuid.UUID `json:"request_id"`
	PatientID uuid.UUID `json:"patient_id"`
}
