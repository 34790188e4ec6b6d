package questionnaire

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type RequestRepository interface {
	Create(ctx context.Context, r *Request) error
	GetByID(ctx context.Context, id uuid.UUID) (*Request, error)
	Update(ctx context.Context, r *Request) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, status string, limit, offset int) ([]*Request, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Request, int, error)
	// LastHealthcareQuality returns the committed-at time of the patient's
	// most recent healthcare quality record on a prior request, or nil when
	// there is none. Only commits at or before the given reference time
	// count, and the excluded request's own commits never do: a request's
	// sequence must not change because of answers it collected itself.
	LastHealthcareQuality(ctx context.Context, patientID uuid.UUID, before time.Time, exclude uuid.UUID) (*time.Time, error)
	// ListOverdue returns handled requests whose handled_on is older than
	// the cutoff, for the close timeout sweep.
	ListOverdue(ctx context.Context, cutoff time.Time) ([]*Request, error)
}

type StepRepository interface {
	CreateStep(ctx context.Context, s *RequestStep) error
	ListSteps(ctx context.Context, requestID uuid.UUID) ([]*RequestStep, error)
	// CreateRecord writes the typed answers into the descriptor's table.
	CreateRecord(ctx context.Context, desc StepDescriptor, rec *StepRecord) error
	// GetRecord reads the committed answers of one step back, or nil when
	// the step has no record.
	GetRecord(ctx context.Context, desc StepDescriptor, requestID uuid.UUID) (*StepRecord, error)
	// DeleteByRequest cascades a request removal over request_step and
	// every record table.
	DeleteByRequest(ctx context.Context, requestID uuid.UUID) error
}

// WizardStorage is the resumable raw blob store. It performs no schema
// checks; invalid payloads are stored as submitted.
type WizardStorage interface {
	PutRaw(ctx context.Context, requestID uuid.UUID, stepID string, blob []byte) error
	GetRaw(ctx context.Context, requestID uuid.UUID, stepID string) ([]byte, error)
	Clear(ctx context.Context, requestID uuid.UUID) error
	// ClearStale deletes blobs not touched since the cutoff and returns the
	// number removed. Finalize clears a request's blobs anyway; this bounds
	// how long abandoned raw input is retained.
	ClearStale(ctx context.Context, cutoff time.Time) (int, error)
}

// TxRunner serializes a request's critical section. The pg implementation
// opens a transaction and takes the per-request advisory lock; tests use a
// pass-through.
type TxRunner interface {
	RunInRequestTx(ctx context.Context, requestID uuid.UUID, fn func(ctx context.Context) error) error
}

// PatientKeys resolves a patient to their encryption key handle and raw key
// material. The identity service implements it.
type PatientKeys interface {
	KeyFor(ctx context.Context, patientID uuid.UUID) (uuid.UUID, []byte, error)
}

// PatientDirectory supplies the patient attributes request creation needs.
type PatientDirectory interface {
	DiseaseOf(ctx context.Context, patientID uuid.UUID) (Disease, error)
}

// Events receives lifecycle notifications. Consumers must be idempotent on
// the event id.
type Events interface {
	RequestFinished(ctx context.Context, ev RequestFinished) error
}
