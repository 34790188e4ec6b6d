package handling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/remotecare/remotecare/internal/domain/audit"
	"github.com/remotecare/remotecare/internal/domain/questionnaire"
	"github.com/remotecare/remotecare/internal/platform/crypto"
)

var (
	ErrNotReady       = errors.New("request not ready for handling")
	ErrAlreadyHandled = errors.New("handling already finished")
)

// View is a report with its sensitive fields decrypted for the professional.
type View struct {
	ID          uuid.UUID  `json:"id"`
	RequestID   uuid.UUID  `json:"request_id"`
	Conclusion  string     `json:"conclusion"`
	ReportText  string     `json:"report_text"`
	MessageText string     `json:"message_text"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Service drives the handling workflow: draft, edit, finish.
type Service struct {
	reports  ReportRepository
	controls *questionnaire.Service
	keys     questionnaire.PatientKeys
	contacts PatientContacts
	rec      *audit.Recorder
	events   Events
}

func NewService(reports ReportRepository, controls *questionnaire.Service,
	keys questionnaire.PatientKeys, contacts PatientContacts,
	rec *audit.Recorder, events Events) *Service {
	return &Service{
		reports:  reports,
		controls: controls,
		keys:     keys,
		contacts: contacts,
		rec:      rec,
		events:   events,
	}
}

// EnsureDraft returns the request's report, creating the initial draft from
// the committed answers on first access. Legal once the patient finished the
// request.
func (s *Service) EnsureDraft(ctx context.Context, actor uuid.UUID, requestID uuid.UUID) (*View, error) {
	req, err := s.controls.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.FinishedOn == nil {
		return nil, ErrNotReady
	}

	keyID, key, err := s.keys.KeyFor(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", questionnaire.ErrCryptoUnavailable, err)
	}

	if rep, err := s.reports.GetByRequest(ctx, requestID); err == nil {
		return s.view(rep, key), nil
	} else if !errors.Is(err, ErrNoReport) {
		return nil, err
	}

	records, err := s.controls.Engine().Records(ctx, req)
	if err != nil {
		return nil, err
	}
	answers := flatten(records, key)
	reportText, messageText, err := renderDrafts(answers, req.Urgent)
	if err != nil {
		return nil, fmt.Errorf("render drafts: %w", err)
	}

	rep := &Report{
		RequestID:       requestID,
		ProfessionalID:  actor,
		EncryptionKeyID: keyID,
	}
	if rep.ReportText, err = crypto.Encrypt(reportText, key); err != nil {
		return nil, fmt.Errorf("%w: %v", questionnaire.ErrCryptoUnavailable, err)
	}
	if rep.MessageText, err = crypto.Encrypt(messageText, key); err != nil {
		return nil, fmt.Errorf("%w: %v", questionnaire.ErrCryptoUnavailable, err)
	}
	if err := s.reports.Create(ctx, rep); err != nil {
		return nil, err
	}
	if err := s.rec.Record(ctx, actor, rep, map[string]interface{}{}, map[string]interface{}{
		"report_text":  reportText,
		"message_text": messageText,
	}); err != nil {
		return nil, err
	}
	return s.view(rep, key), nil
}

// UpdateReport replaces the conclusion and report text. Each edit is audited
// as a field-level diff.
func (s *Service) UpdateReport(ctx context.Context, actor uuid.UUID, requestID uuid.UUID, conclusion, reportText string) (*View, error) {
	return s.update(ctx, actor, requestID, func(rep *Report, key []byte) (map[string]interface{}, map[string]interface{}, error) {
		before := map[string]interface{}{
			"conclusion":  openField(rep.Conclusion, key),
			"report_text": openField(rep.ReportText, key),
		}
		var err error
		if rep.Conclusion, err = sealField(conclusion, key); err != nil {
			return nil, nil, err
		}
		if rep.ReportText, err = sealField(reportText, key); err != nil {
			return nil, nil, err
		}
		after := map[string]interface{}{
			"conclusion":  conclusion,
			"report_text": reportText,
		}
		return before, after, nil
	})
}

// UpdateMessage replaces the patient message text.
func (s *Service) UpdateMessage(ctx context.Context, actor uuid.UUID, requestID uuid.UUID, messageText string) (*View, error) {
	return s.update(ctx, actor, requestID, func(rep *Report, key []byte) (map[string]interface{}, map[string]interface{}, error) {
		before := map[string]interface{}{
			"message_text": openField(rep.MessageText, key),
		}
		var err error
		if rep.MessageText, err = sealField(messageText, key); err != nil {
			return nil, nil, err
		}
		return before, map[string]interface{}{"message_text": messageText}, nil
	})
}

func (s *Service) update(ctx context.Context, actor uuid.UUID, requestID uuid.UUID,
	apply func(rep *Report, key []byte) (map[string]interface{}, map[string]interface{}, error)) (*View, error) {
	req, err := s.controls.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	rep, err := s.reports.GetByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if rep.FinishedAt != nil {
		return nil, ErrAlreadyHandled
	}
	_, key, err := s.keys.KeyFor(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", questionnaire.ErrCryptoUnavailable, err)
	}

	before, after, err := apply(rep, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", questionnaire.ErrCryptoUnavailable, err)
	}
	if err := s.reports.Update(ctx, rep); err != nil {
		return nil, err
	}
	if err := s.rec.Record(ctx, actor, rep, before, after); err != nil {
		return nil, err
	}
	return s.view(rep, key), nil
}

// Get returns the decrypted report of a request.
func (s *Service) Get(ctx context.Context, requestID uuid.UUID) (*View, error) {
	req, err := s.controls.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	rep, err := s.reports.GetByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	_, key, err := s.keys.KeyFor(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", questionnaire.ErrCryptoUnavailable, err)
	}
	return s.view(rep, key), nil
}

// handledEventID derives a stable event id from the request, so a retried
// finish re-emits the same event and the idempotent consumer deduplicates.
func handledEventID(requestID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(requestID, []byte("handling-finished"))
}

// Finish persists the report, stamps handled_on on the request and emits the
// HandlingFinished event with the patient's destination addresses. Confirmed
// dispatch closes the request; a failed dispatch leaves it handled for the
// timeout sweep.
func (s *Service) Finish(ctx context.Context, actor uuid.UUID, requestID uuid.UUID) error {
	req, err := s.controls.Get(ctx, requestID)
	if err != nil {
		return err
	}
	rep, err := s.reports.GetByRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if rep.FinishedAt != nil {
		// Recover an emission lost by an earlier attempt; duplicates are
		// dropped on the event id.
		_ = s.dispatch(ctx, actor, req)
		return ErrAlreadyHandled
	}

	now := time.Now().UTC()
	rep.FinishedAt = &now
	if err := s.reports.Update(ctx, rep); err != nil {
		return err
	}
	if err := s.rec.Record(ctx, actor, rep,
		map[string]interface{}{"finished": false},
		map[string]interface{}{"finished": true}); err != nil {
		return err
	}
	if err := s.controls.MarkHandled(ctx, actor, requestID); err != nil {
		return err
	}
	return s.dispatch(ctx, actor, req)
}

// dispatch sends the HandlingFinished event and, on confirmed delivery,
// moves the request from handled to closed.
func (s *Service) dispatch(ctx context.Context, actor uuid.UUID, req *questionnaire.Request) error {
	addresses, err := s.contacts.AddressesOf(ctx, req.PatientID)
	if err != nil {
		return fmt.Errorf("resolve addresses: %w", err)
	}
	ev := HandlingFinished{
		EventID:   handledEventID(req.ID),
		RequestID: req.ID,
		PatientID: req.PatientID,
		Addresses: addresses,
	}
	if err := s.events.HandlingFinished(ctx, ev); err != nil {
		return fmt.Errorf("dispatch handled notification: %w", err)
	}
	return s.controls.Close(ctx, actor, req.ID)
}

func (s *Service) view(rep *Report, key []byte) *View {
	return &View{
		ID:          rep.ID,
		RequestID:   rep.RequestID,
		Conclusion:  openField(rep.Conclusion, key),
		ReportText:  openField(rep.ReportText, key),
		MessageText: openField(rep.MessageText, key),
		FinishedAt:  rep.FinishedAt,
	}
}

// sealField encrypts a value for storage; empty strings stay empty.
func sealField(v string, key []byte) (string, error) {
	if v == "" {
		return "", nil
	}
	return crypto.Encrypt(v, key)
}

// openField decrypts a stored value for display. Values that fail to decrypt
// surface as the audit sentinel rather than aborting the read.
func openField(v string, key []byte) string {
	if !crypto.IsEncrypted(v) {
		return v
	}
	plain, err := crypto.Decrypt(v, key)
	if err != nil {
		return audit.Undecryptable
	}
	return plain
}

// flatten decrypts the committed answers into template input.
func flatten(records []*questionnaire.StepRecord, key []byte) []Answer {
	var out []Answer
	for _, rec := range records {
		for field, v := range rec.Values {
			if s, ok := v.(string); ok && crypto.IsEncrypted(s) {
				plain, err := crypto.Decrypt(s, key)
				if err != nil {
					v = audit.Undecryptable
				} else {
					v = plain
				}
			}
			out = append(out, Answer{Step: rec.StepID, Field: field, Value: v})
		}
	}
	return out
}
