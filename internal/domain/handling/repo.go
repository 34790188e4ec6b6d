package handling

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNoReport = errors.New("no report for request")

type ReportRepository interface {
	Create(ctx context.Context, r *Report) error
	GetByRequest(ctx context.Context, requestID uuid.UUID) (*Report, error)
	Update(ctx context.Context, r *Report) error
}

// PatientContacts resolves the destination addresses for the finish
// notification.
type PatientContacts interface {
	AddressesOf(ctx context.Context, patientID uuid.UUID) ([]string, error)
}

// Events receives the finish notification. Consumers must be idempotent on
// the event id.
type Events interface {
	HandlingFinished(ctx context.Context, ev HandlingFinished) error
}
