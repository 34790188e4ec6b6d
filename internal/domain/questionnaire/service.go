package questionnaire

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/remotecare/remotecare/internal/domain/audit"
)

// Intervals carries the configured deadline windows per control kind.
type Intervals struct {
	Routine time.Duration
	Urgent  time.Duration
	// RoutineByDisease overrides the routine interval per disease protocol.
	// Crohn and colitis currently share the default, so the map is usually
	// empty.
	RoutineByDisease map[Disease]time.Duration
}

// For resolves the deadline interval of a control: urgent deadlines are a
// short fixed window, routine deadlines follow the disease protocol.
func (i Intervals) For(disease Disease, kind Kind) time.Duration {
	if kind == KindUrgent {
		return i.Urgent
	}
	if d, ok := i.RoutineByDisease[disease]; ok {
		return d
	}
	return i.Routine
}

// Service owns the request lifecycle around the wizard engine: creation,
// listing, removal and the handover transitions.
type Service struct {
	requests  RequestRepository
	steps     StepRepository
	wizard    WizardStorage
	patients  PatientDirectory
	rec       *audit.Recorder
	tx        TxRunner
	engine    *Engine
	intervals Intervals
}

func NewService(requests RequestRepository, steps StepRepository, wizard WizardStorage,
	patients PatientDirectory, rec *audit.Recorder, tx TxRunner, engine *Engine, intervals Intervals) *Service {
	return &Service{
		requests:  requests,
		steps:     steps,
		wizard:    wizard,
		patients:  patients,
		rec:       rec,
		tx:        tx,
		engine:    engine,
		intervals: intervals,
	}
}

func (s *Service) Engine() *Engine { return s.engine }

// CreateRoutine opens a routine control for the patient. The deadline is the
// creation time plus the interval of the patient's disease protocol.
func (s *Service) CreateRoutine(ctx context.Context, actor uuid.UUID, patientID uuid.UUID) (*Request, error) {
	return s.create(ctx, actor, patientID, KindRoutine)
}

// CreateUrgent opens an urgent control, initiated by the patient.
func (s *Service) CreateUrgent(ctx context.Context, actor uuid.UUID, patientID uuid.UUID) (*Request, error) {
	return s.create(ctx, actor, patientID, KindUrgent)
}

func (s *Service) create(ctx context.Context, actor uuid.UUID, patientID uuid.UUID, kind Kind) (*Request, error) {
	disease, err := s.patients.DiseaseOf(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("look up patient: %w", err)
	}
	now := time.Now().UTC()
	req := &Request{
		PatientID: patientID,
		Disease:   disease,
		Kind:      kind,
		Urgent:    kind == KindUrgent,
		Status:    StatusOpen,
		CreatedOn: now,
		Deadline:  now.Add(s.intervals.For(disease, kind)),
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}
	if err := s.rec.Record(ctx, actor, req, map[string]interface{}{}, req.auditValues()); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	return s.requests.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, status string, limit, offset int) ([]*Request, int, error) {
	return s.requests.List(ctx, status, limit, offset)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Request, int, error) {
	return s.requests.ListByPatient(ctx, patientID, limit, offset)
}

// Remove deletes a request with all its step data. Allowed in any state; the
// audit trail is preserved. The per-request lock serializes the removal
// against in-flight submits.
func (s *Service) Remove(ctx context.Context, actor uuid.UUID, id uuid.UUID) error {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return s.tx.RunInRequestTx(ctx, id, func(ctx context.Context) error {
		if err := s.rec.Record(ctx, actor, req, req.auditValues(),
			map[string]interface{}{"deleted": true}); err != nil {
			return err
		}
		if err := s.steps.DeleteByRequest(ctx, id); err != nil {
			return fmt.Errorf("cascade step data: %w", err)
		}
		if err := s.wizard.Clear(ctx, id); err != nil {
			return fmt.Errorf("cascade wizard state: %w", err)
		}
		return s.requests.Delete(ctx, id)
	})
}

// MarkHandled stamps handled_on when the professional finishes handling.
// handled_on never precedes finished_on.
func (s *Service) MarkHandled(ctx context.Context, actor uuid.UUID, id uuid.UUID) error {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if req.Status != StatusFinished {
		return fmt.Errorf("request %s is %s, not finished", id, req.Status)
	}
	before := req.auditValues()
	now := time.Now().UTC()
	if req.FinishedOn != nil && now.Before(*req.FinishedOn) {
		now = *req.FinishedOn
	}
	req.HandledOn = &now
	req.Status = StatusHandled
	if err := s.requests.Update(ctx, req); err != nil {
		return err
	}
	return s.rec.Record(ctx, actor, req, before, req.auditValues())
}

// Close moves a handled request to closed, on confirmed dispatch of the
// patient notification or by the timeout sweep.
func (s *Service) Close(ctx context.Context, actor uuid.UUID, id uuid.UUID) error {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if req.Status != StatusHandled {
		return fmt.Errorf("request %s is %s, not handled", id, req.Status)
	}
	before := req.auditValues()
	req.Status = StatusClosed
	if err := s.requests.Update(ctx, req); err != nil {
		return err
	}
	return s.rec.Record(ctx, actor, req, before, req.auditValues())
}

// PurgeStaleRaw deletes raw wizard blobs untouched for longer than the
// retention. A non-positive retention keeps blobs until finalize.
func (s *Service) PurgeStaleRaw(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	return s.wizard.ClearStale(ctx, time.Now().UTC().Add(-retention))
}

// CloseOverdue closes every handled request whose handled_on is older than
// the timeout. Returns the number of requests closed.
func (s *Service) CloseOverdue(ctx context.Context, actor uuid.UUID, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	overdue, err := s.requests.ListOverdue(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, req := range overdue {
		if err := s.Close(ctx, actor, req.ID); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}
