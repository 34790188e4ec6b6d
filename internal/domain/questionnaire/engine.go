package questionnaire

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/remotecare/remotecare/internal/domain/audit"
	"github.com/remotecare/remotecare/internal/platform/crypto"
)

// hqWindow is how long a committed healthcare quality step suppresses the
// next one for the same patient.
const hqWindow = 365 * 24 * time.Hour

// Engine is the wizard state machine. It computes the current step, validates
// submissions and commits them into typed step records, serialized per
// request by the advisory lock the TxRunner takes.
type Engine struct {
	requests RequestRepository
	steps    StepRepository
	wizard   WizardStorage
	keys     PatientKeys
	rec      *audit.Recorder
	tx       TxRunner
	events   Events
}

func NewEngine(requests RequestRepository, steps StepRepository, wizard WizardStorage,
	keys PatientKeys, rec *audit.Recorder, tx TxRunner, events Events) *Engine {
	return &Engine{
		requests: requests,
		steps:    steps,
		wizard:   wizard,
		keys:     keys,
		rec:      rec,
		tx:       tx,
		events:   events,
	}
}

// Sequence resolves the catalog sequence of a request. Healthcare quality is
// included at most once per 365 days per patient, judged against the
// request's creation time.
func (e *Engine) Sequence(ctx context.Context, req *Request) ([]StepDescriptor, error) {
	includeHQ := false
	if req.Kind == KindRoutine {
		last, err := e.requests.LastHealthcareQuality(ctx, req.PatientID, req.CreatedOn, req.ID)
		if err != nil {
			return nil, fmt.Errorf("look up last healthcare quality: %w", err)
		}
		includeHQ = last == nil || req.CreatedOn.Sub(*last) >= hqWindow
	}
	return StepsFor(req.Disease, req.Kind, includeHQ), nil
}

// CurrentStep returns the id of the first catalog step without a committed
// record whose branch predicate holds, or Finished when the sequence is
// complete.
func (e *Engine) CurrentStep(ctx context.Context, req *Request) (string, error) {
	steps, err := e.Sequence(ctx, req)
	if err != nil {
		return "", err
	}
	committed, err := e.committedSet(ctx, req.ID)
	if err != nil {
		return "", err
	}

	values := make(map[string]map[string]interface{})
	for _, desc := range steps {
		if committed[desc.ID] {
			rec, err := e.steps.GetRecord(ctx, desc, req.ID)
			if err != nil {
				return "", err
			}
			if rec != nil {
				values[desc.ID] = rec.Values
			}
			continue
		}
		if desc.BranchOn != nil && !desc.BranchOn.Holds(values) {
			continue
		}
		return desc.ID, nil
	}
	return Finished, nil
}

func (e *Engine) committedSet(ctx context.Context, requestID uuid.UUID) (map[string]bool, error) {
	steps, err := e.steps.ListSteps(ctx, requestID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(steps))
	for _, s := range steps {
		set[s.StepID] = true
	}
	return set, nil
}

// ListCompleted returns the committed step ids of a request.
func (e *Engine) ListCompleted(ctx context.Context, requestID uuid.UUID) ([]string, error) {
	steps, err := e.steps.ListSteps(ctx, requestID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.StepID)
	}
	return out, nil
}

// Submit handles one step submission. The raw blob is written before
// validation so the patient can always leave and resume; the commit of the
// validated answers runs under the per-request lock.
func (e *Engine) Submit(ctx context.Context, actor uuid.UUID, requestID uuid.UUID, stepID string, raw []byte) error {
	req, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	cur, err := e.CurrentStep(ctx, req)
	if err != nil {
		return err
	}
	if stepID != cur {
		return &OutOfOrderError{CurrentStep: cur}
	}

	if err := e.wizard.PutRaw(ctx, requestID, stepID, raw); err != nil {
		return fmt.Errorf("store raw blob: %w", err)
	}

	steps, err := e.Sequence(ctx, req)
	if err != nil {
		return err
	}
	desc, ok := StepByID(steps, stepID)
	if !ok {
		return &OutOfOrderError{CurrentStep: cur}
	}
	cleaned, verr := validateStep(desc, raw)
	if verr != nil {
		return verr
	}

	return e.tx.RunInRequestTx(ctx, requestID, func(ctx context.Context) error {
		// Re-check under the lock; a concurrent submit may have committed
		// this step already.
		cur, err := e.CurrentStep(ctx, req)
		if err != nil {
			return err
		}
		if stepID != cur {
			return &OutOfOrderError{CurrentStep: cur}
		}

		record := &StepRecord{
			RequestID: requestID,
			StepID:    stepID,
			Values:    make(map[string]interface{}, len(cleaned)),
		}
		for k, v := range cleaned {
			record.Values[k] = v
		}

		keyID, sensitive, err := e.sealSensitive(ctx, req, desc, record.Values)
		if err != nil {
			return err
		}

		if err := e.steps.CreateStep(ctx, &RequestStep{RequestID: requestID, StepID: stepID}); err != nil {
			return fmt.Errorf("commit step: %w", err)
		}
		if err := e.steps.CreateRecord(ctx, desc, record); err != nil {
			return fmt.Errorf("write step record: %w", err)
		}

		subject := &recordSubject{record: record, keyID: keyID, sensitive: sensitive}
		if err := e.rec.Record(ctx, actor, subject, map[string]interface{}{}, cleaned); err != nil {
			return err
		}

		if req.Status == StatusOpen {
			req.Status = StatusInProgress
			if err := e.requests.Update(ctx, req); err != nil {
				return fmt.Errorf("advance request status: %w", err)
			}
		}
		return nil
	})
}

// sealSensitive encrypts the schema's sensitive string values in place with
// the patient's key and returns the key handle plus the sensitive field list.
// Steps without sensitive fields never touch the key registry.
func (e *Engine) sealSensitive(ctx context.Context, req *Request, desc StepDescriptor, values map[string]interface{}) (uuid.UUID, []string, error) {
	var sensitive []string
	for name, spec := range desc.Schema {
		if spec.Sensitive {
			sensitive = append(sensitive, name)
		}
	}
	if len(sensitive) == 0 {
		return uuid.Nil, nil, nil
	}

	keyID, key, err := e.keys.KeyFor(ctx, req.PatientID)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	for _, name := range sensitive {
		v, ok := values[name]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		ct, err := crypto.Encrypt(s, key)
		if err != nil {
			return uuid.Nil, nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
		}
		values[name] = ct
	}
	return keyID, sensitive, nil
}

// finishedEventID derives a stable event id from the request, so a retried
// finalize re-emits the same event and the idempotent consumer deduplicates.
func finishedEventID(requestID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(requestID, []byte("request-finished"))
}

// Finalize closes the filling phase. Legal only when every step is committed;
// it stamps finished_on, clears the raw storage and emits RequestFinished.
func (e *Engine) Finalize(ctx context.Context, actor uuid.UUID, requestID uuid.UUID) error {
	req, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.FinishedOn != nil {
		// Recover an emission lost by an earlier attempt; duplicates are
		// dropped on the event id.
		_ = e.emitFinished(ctx, req)
		return ErrAlreadyFinished
	}

	err = e.tx.RunInRequestTx(ctx, requestID, func(ctx context.Context) error {
		cur, err := e.CurrentStep(ctx, req)
		if err != nil {
			return err
		}
		if cur != Finished {
			return ErrNotFinished
		}

		before := req.auditValues()
		now := time.Now().UTC()
		req.FinishedOn = &now
		req.Status = StatusFinished
		if err := e.requests.Update(ctx, req); err != nil {
			return fmt.Errorf("finish request: %w", err)
		}
		if err := e.wizard.Clear(ctx, requestID); err != nil {
			return fmt.Errorf("clear wizard state: %w", err)
		}
		return e.rec.Record(ctx, actor, req, before, req.auditValues())
	})
	if err != nil {
		return err
	}

	return e.emitFinished(ctx, req)
}

func (e *Engine) emitFinished(ctx context.Context, req *Request) error {
	if e.events == nil {
		return nil
	}
	ev := RequestFinished{EventID: finishedEventID(req.ID), RequestID: req.ID, PatientID: req.PatientID}
	if err := e.events.RequestFinished(ctx, ev); err != nil {
		return fmt.Errorf("emit finished event: %w", err)
	}
	return nil
}

// Records reads every committed step record of a request, ciphertext as
// stored. Callers that need plaintext decrypt with the patient's key.
func (e *Engine) Records(ctx context.Context, req *Request) ([]*StepRecord, error) {
	steps, err := e.Sequence(ctx, req)
	if err != nil {
		return nil, err
	}
	var out []*StepRecord
	for _, desc := range steps {
		rec, err := e.steps.GetRecord(ctx, desc, req.ID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}
