package questionnaire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/remotecare/remotecare/internal/domain/audit"
	"github.com/remotecare/remotecare/internal/platform/crypto"
)

// -- in-memory repositories --

// hqCommit mirrors one healthcare quality row in request_step, so the mock
// can apply the same bounds as the SQL.
type hqCommit struct {
	patient   uuid.UUID
	request   uuid.UUID
	committed time.Time
}

type memRequestRepo struct {
	requests map[uuid.UUID]*Request
	hq       []hqCommit
}

func newMemRequestRepo() *memRequestRepo {
	return &memRequestRepo{requests: make(map[uuid.UUID]*Request)}
}

func (m *memRequestRepo) Create(_ context.Context, r *Request) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	m.requests[r.ID] = r
	return nil
}

func (m *memRequestRepo) GetByID(_ context.Context, id uuid.UUID) (*Request, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrUnknownRequest
	}
	cp := *r
	return &cp, nil
}

func (m *memRequestRepo) Update(_ context.Context, r *Request) error {
	if _, ok := m.requests[r.ID]; !ok {
		return ErrUnknownRequest
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *memRequestRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.requests, id)
	return nil
}

func (m *memRequestRepo) List(_ context.Context, status string, limit, offset int) ([]*Request, int, error) {
	var out []*Request
	for _, r := range m.requests {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

func (m *memRequestRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Request, int, error) {
	var out []*Request
	for _, r := range m.requests {
		if r.PatientID == patientID {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

func (m *memRequestRepo) LastHealthcareQuality(_ context.Context, patientID uuid.UUID, before time.Time, exclude uuid.UUID) (*time.Time, error) {
	var last *time.Time
	for _, c := range m.hq {
		if c.patient != patientID || c.request == exclude || c.committed.After(before) {
			continue
		}
		if last == nil || c.committed.After(*last) {
			committed := c.committed
			last = &committed
		}
	}
	return last, nil
}

func (m *memRequestRepo) ListOverdue(_ context.Context, cutoff time.Time) ([]*Request, error) {
	var out []*Request
	for _, r := range m.requests {
		if r.Status == StatusHandled && r.HandledOn != nil && r.HandledOn.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

type memStepRepo struct {
	steps   []*RequestStep
	records map[string]*StepRecord
}

func newMemStepRepo() *memStepRepo {
	return &memStepRepo{records: make(map[string]*StepRecord)}
}

func recordKey(table string, requestID uuid.UUID) string {
	return table + "/" + requestID.String()
}

func (m *memStepRepo) CreateStep(_ context.Context, s *RequestStep) error {
	for _, existing := range m.steps {
		if existing.RequestID == s.RequestID && existing.StepID == s.StepID {
			return fmt.Errorf("step %s already committed", s.StepID)
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CommittedAt.IsZero() {
		s.CommittedAt = time.Now().UTC()
	}
	m.steps = append(m.steps, s)
	return nil
}

func (m *memStepRepo) ListSteps(_ context.Context, requestID uuid.UUID) ([]*RequestStep, error) {
	var out []*RequestStep
	for _, s := range m.steps {
		if s.RequestID == requestID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStepRepo) CreateRecord(_ context.Context, desc StepDescriptor, rec *StepRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	m.records[recordKey(desc.Table, rec.RequestID)] = rec
	return nil
}

func (m *memStepRepo) GetRecord(_ context.Context, desc StepDescriptor, requestID uuid.UUID) (*StepRecord, error) {
	return m.records[recordKey(desc.Table, requestID)], nil
}

func (m *memStepRepo) DeleteByRequest(_ context.Context, requestID uuid.UUID) error {
	var kept []*RequestStep
	for _, s := range m.steps {
		if s.RequestID != requestID {
			kept = append(kept, s)
		}
	}
	m.steps = kept
	for _, table := range RecordTables {
		delete(m.records, recordKey(table, requestID))
	}
	return nil
}

type memWizard struct {
	blobs   map[string][]byte
	touched map[string]time.Time
}

func newMemWizard() *memWizard {
	return &memWizard{
		blobs:   make(map[string][]byte),
		touched: make(map[string]time.Time),
	}
}

func (m *memWizard) PutRaw(_ context.Context, requestID uuid.UUID, stepID string, blob []byte) error {
	key := requestID.String() + "/" + stepID
	m.blobs[key] = blob
	m.touched[key] = time.Now().UTC()
	return nil
}

func (m *memWizard) GetRaw(_ context.Context, requestID uuid.UUID, stepID string) ([]byte, error) {
	return m.blobs[requestID.String()+"/"+stepID], nil
}

func (m *memWizard) Clear(_ context.Context, requestID uuid.UUID) error {
	for k := range m.blobs {
		if strings.HasPrefix(k, requestID.String()+"/") {
			delete(m.blobs, k)
			delete(m.touched, k)
		}
	}
	return nil
}

func (m *memWizard) ClearStale(_ context.Context, cutoff time.Time) (int, error) {
	n := 0
	for k, at := range m.touched {
		if at.Before(cutoff) {
			delete(m.blobs, k)
			delete(m.touched, k)
			n++
		}
	}
	return n, nil
}

func (m *memWizard) count(requestID uuid.UUID) int {
	n := 0
	for k := range m.blobs {
		if strings.HasPrefix(k, requestID.String()+"/") {
			n++
		}
	}
	return n
}

// passTxRunner runs the critical section inline; unit tests have no real
// contention to serialize.
type passTxRunner struct{}

func (passTxRunner) RunInRequestTx(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memKeys struct {
	keyID uuid.UUID
	key   []byte
	fail  bool
}

func (m *memKeys) KeyFor(_ context.Context, _ uuid.UUID) (uuid.UUID, []byte, error) {
	if m.fail {
		return uuid.Nil, nil, fmt.Errorf("registry down")
	}
	return m.keyID, m.key, nil
}

func (m *memKeys) Get(_ context.Context, id uuid.UUID) ([]byte, error) {
	if m.fail || id != m.keyID {
		return nil, fmt.Errorf("key not found")
	}
	return m.key, nil
}

type memPatients struct {
	diseases map[uuid.UUID]Disease
}

func (m *memPatients) DiseaseOf(_ context.Context, patientID uuid.UUID) (Disease, error) {
	d, ok := m.diseases[patientID]
	if !ok {
		return "", fmt.Errorf("patient not found")
	}
	return d, nil
}

type memEvents struct {
	finished []RequestFinished
}

func (m *memEvents) RequestFinished(_ context.Context, ev RequestFinished) error {
	m.finished = append(m.finished, ev)
	return nil
}

type memAuditRepo struct {
	entries []*audit.LogEntry
}

func (m *memAuditRepo) Append(_ context.Context, e *audit.LogEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAuditRepo) ListBySubject(_ context.Context, modelName string, modelID uuid.UUID) ([]*audit.LogEntry, error) {
	var out []*audit.LogEntry
	for _, e := range m.entries {
		var cs audit.ChangeSet
		if err := json.Unmarshal(e.Blob, &cs); err != nil {
			return nil, err
		}
		if cs.ModelName == modelName && cs.ModelID == modelID.String() {
			out = append(out, e)
		}
	}
	return out, nil
}

// -- fixture --

type engineFixture struct {
	engine   *Engine
	svc      *Service
	requests *memRequestRepo
	steps    *memStepRepo
	wizard   *memWizard
	keys     *memKeys
	events   *memEvents
	auditLog *memAuditRepo
	patient  uuid.UUID
	actor    uuid.UUID
}

func newEngineFixture(t *testing.T, disease Disease) *engineFixture {
	t.Helper()
	key, err := crypto.NewKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	f := &engineFixture{
		requests: newMemRequestRepo(),
		steps:    newMemStepRepo(),
		wizard:   newMemWizard(),
		keys:     &memKeys{keyID: uuid.New(), key: key},
		events:   &memEvents{},
		auditLog: &memAuditRepo{},
		patient:  uuid.New(),
		actor:    uuid.New(),
	}
	rec := audit.NewRecorder(f.auditLog, f.keys, true)
	f.engine = NewEngine(f.requests, f.steps, f.wizard, f.keys, rec, passTxRunner{}, f.events)
	patients := &memPatients{diseases: map[uuid.UUID]Disease{f.patient: disease}}
	f.svc = NewService(f.requests, f.steps, f.wizard, patients, rec, passTxRunner{}, f.engine,
		Intervals{Routine: 26 * 7 * 24 * time.Hour, Urgent: 3 * 24 * time.Hour})
	return f
}

// recentHQ suppresses the healthcare quality step for the fixture patient.
func (f *engineFixture) recentHQ() {
	f.requests.hq = append(f.requests.hq, hqCommit{
		patient:   f.patient,
		request:   uuid.New(),
		committed: time.Now().UTC().Add(-30 * 24 * time.Hour),
	})
}

func (f *engineFixture) newRoutine(t *testing.T) *Request {
	t.Helper()
	req, err := f.svc.CreateRoutine(context.Background(), f.actor, f.patient)
	if err != nil {
		t.Fatalf("create routine request: %v", err)
	}
	return req
}

func (f *engineFixture) newUrgent(t *testing.T) *Request {
	t.Helper()
	req, err := f.svc.CreateUrgent(context.Background(), f.patient, f.patient)
	if err != nil {
		t.Fatalf("create urgent request: %v", err)
	}
	return req
}

func (f *engineFixture) submit(t *testing.T, req *Request, stepID, body string) error {
	t.Helper()
	return f.engine.Submit(context.Background(), f.actor, req.ID, stepID, []byte(body))
}

func (f *engineFixture) mustSubmit(t *testing.T, req *Request, stepID, body string) {
	t.Helper()
	if err := f.submit(t, req, stepID, body); err != nil {
		t.Fatalf("submit %s: %v", stepID, err)
	}
}

func (f *engineFixture) currentStep(t *testing.T, req *Request) string {
	t.Helper()
	fresh, err := f.requests.GetByID(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("reload request: %v", err)
	}
	cur, err := f.engine.CurrentStep(context.Background(), fresh)
	if err != nil {
		t.Fatalf("current step: %v", err)
	}
	return cur
}

// -- tests --

func TestRoutineSkippingAheadIsOutOfOrder(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	f.recentHQ()
	req := f.newRoutine(t)

	if got := f.currentStep(t, req); got != StepStart {
		t.Fatalf("fresh request current step = %s, want %s", got, StepStart)
	}
	f.mustSubmit(t, req, StepStart, `{"feeling":"ok"}`)
	if got := f.currentStep(t, req); got != StepDisease {
		t.Fatalf("after start current step = %s, want %s", got, StepDisease)
	}

	err := f.submit(t, req, StepQualityOfLife, `{"fatigue":3,"mood":7,"daily_activities":"unrestricted"}`)
	var oerr *OutOfOrderError
	if !errors.As(err, &oerr) {
		t.Fatalf("expected OutOfOrderError, got %v", err)
	}
	if oerr.CurrentStep != StepDisease {
		t.Fatalf("out-of-order current step = %s, want %s", oerr.CurrentStep, StepDisease)
	}
	// Rejected submissions leave no trace in raw storage.
	raw, _ := f.wizard.GetRaw(context.Background(), req.ID, StepQualityOfLife)
	if raw != nil {
		t.Fatal("out-of-order submit mutated raw storage")
	}
}

func TestInvalidSubmissionKeepsRawBlob(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	f.recentHQ()
	req := f.newRoutine(t)
	f.mustSubmit(t, req, StepStart, `{"feeling":"ok"}`)

	bad := `{"pain":-1,"stools_per_day":3,"wellbeing":5}`
	err := f.submit(t, req, StepDisease, bad)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Fields["pain"] != CodeOutOfRange {
		t.Fatalf("pain error = %q, want %q", verr.Fields["pain"], CodeOutOfRange)
	}
	raw, err := f.wizard.GetRaw(context.Background(), req.ID, StepDisease)
	if err != nil {
		t.Fatalf("get raw: %v", err)
	}
	if string(raw) != bad {
		t.Fatalf("raw blob = %s, want the invalid submission", raw)
	}
	if got := f.currentStep(t, req); got != StepDisease {
		t.Fatalf("current step advanced to %s on invalid submit", got)
	}
}

func TestRoutineFlowToFinalize(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	f.recentHQ()
	req := f.newRoutine(t)

	f.mustSubmit(t, req, StepStart, `{"feeling":"ok"}`)
	f.mustSubmit(t, req, StepDisease, `{"pain":5,"stools_per_day":3,"wellbeing":5}`)
	if got := f.currentStep(t, req); got != StepQualityOfLife {
		t.Fatalf("current step = %s, want %s", got, StepQualityOfLife)
	}
	f.mustSubmit(t, req, StepQualityOfLife, `{"fatigue":3,"mood":7,"daily_activities":"unrestricted"}`)
	f.mustSubmit(t, req, StepFinish, `{"confirmed":true}`)
	if got := f.currentStep(t, req); got != Finished {
		t.Fatalf("current step = %s, want %s", got, Finished)
	}

	if err := f.engine.Finalize(context.Background(), f.actor, req.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	fresh, _ := f.requests.GetByID(context.Background(), req.ID)
	if fresh.FinishedOn == nil {
		t.Fatal("finished_on not set")
	}
	if fresh.Status != StatusFinished {
		t.Fatalf("status = %s, want %s", fresh.Status, StatusFinished)
	}
	if n := f.wizard.count(req.ID); n != 0 {
		t.Fatalf("wizard state not cleared, %d blobs left", n)
	}
	if len(f.events.finished) != 1 || f.events.finished[0].RequestID != req.ID {
		t.Fatalf("expected one RequestFinished event for the request, got %+v", f.events.finished)
	}
}

func TestRefinalizeReemitsSameEvent(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	req := f.newUrgent(t)
	f.mustSubmit(t, req, StepDirectAppointment, `{"wants_appointment":true}`)
	f.mustSubmit(t, req, StepProblemDescription, `{"problem":"help"}`)
	f.mustSubmit(t, req, StepFinish, `{"confirmed":true}`)

	if err := f.engine.Finalize(context.Background(), f.actor, req.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := f.engine.Finalize(context.Background(), f.actor, req.ID); !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("expected ErrAlreadyFinished, got %v", err)
	}
	if len(f.events.finished) != 2 {
		t.Fatalf("expected re-emission, got %d events", len(f.events.finished))
	}
	if f.events.finished[0].EventID != f.events.finished[1].EventID {
		t.Fatal("re-emitted event carries a different id; consumers cannot deduplicate")
	}
}

func TestFinalizeBeforeCompletionRejected(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	f.recentHQ()
	req := f.newRoutine(t)
	f.mustSubmit(t, req, StepStart, `{"feeling":"ok"}`)

	if err := f.engine.Finalize(context.Background(), f.actor, req.ID); !errors.Is(err, ErrNotFinished) {
		t.Fatalf("expected ErrNotFinished, got %v", err)
	}
	fresh, _ := f.requests.GetByID(context.Background(), req.ID)
	if fresh.FinishedOn != nil {
		t.Fatal("finished_on set despite rejection")
	}
}

func TestUrgentSensitiveFieldEncryptedAtRest(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	req := f.newUrgent(t)

	f.mustSubmit(t, req, StepDirectAppointment, `{"wants_appointment":true,"by_phone":false}`)
	f.mustSubmit(t, req, StepProblemDescription, `{"problem":"severe cramps","duration_days":2}`)

	rec, err := f.steps.GetRecord(context.Background(), problemDescriptionStep, req.ID)
	if err != nil || rec == nil {
		t.Fatalf("get record: rec=%v err=%v", rec, err)
	}
	stored, _ := rec.Values["problem"].(string)
	if !strings.HasPrefix(stored, crypto.MagicPrefix) {
		t.Fatalf("problem stored as %q, want ciphertext", stored)
	}
	plain, err := crypto.Decrypt(stored, f.keys.key)
	if err != nil {
		t.Fatalf("decrypt stored problem: %v", err)
	}
	if plain != "severe cramps" {
		t.Fatalf("decrypted problem = %q", plain)
	}
	if rec.Values["duration_days"] != 2 {
		t.Fatalf("duration_days = %v, want plaintext 2", rec.Values["duration_days"])
	}
}

func TestAuditEntryEncryptsSensitiveChanges(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	req := f.newUrgent(t)
	f.mustSubmit(t, req, StepDirectAppointment, `{"wants_appointment":true}`)
	f.mustSubmit(t, req, StepProblemDescription, `{"problem":"severe cramps"}`)

	rec, _ := f.steps.GetRecord(context.Background(), problemDescriptionStep, req.ID)
	entries, err := f.auditLog.ListBySubject(context.Background(), StepProblemDescription, rec.ID)
	if err != nil {
		t.Fatalf("list audit entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].AddedBy != f.actor {
		t.Fatal("audit entry does not carry the actor")
	}
	var cs audit.ChangeSet
	if err := json.Unmarshal(entries[0].Blob, &cs); err != nil {
		t.Fatalf("decode change-set: %v", err)
	}
	ct, _ := cs.Changes["problem"].(string)
	if !strings.HasPrefix(ct, crypto.MagicPrefix) {
		t.Fatalf("audited problem = %q, want ciphertext", ct)
	}
	plain, err := crypto.Decrypt(ct, f.keys.key)
	if err != nil || plain != "severe cramps" {
		t.Fatalf("audited problem decrypts to %q (%v)", plain, err)
	}
}

func TestRepeatedSubmitOfCommittedStepIsOutOfOrder(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	f.recentHQ()
	req := f.newRoutine(t)
	f.mustSubmit(t, req, StepStart, `{"feeling":"ok"}`)

	err := f.submit(t, req, StepStart, `{"feeling":"bad"}`)
	var oerr *OutOfOrderError
	if !errors.As(err, &oerr) {
		t.Fatalf("expected OutOfOrderError on resubmit, got %v", err)
	}
	steps, _ := f.steps.ListSteps(context.Background(), req.ID)
	count := 0
	for _, s := range steps {
		if s.StepID == StepStart {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one committed start step, got %d", count)
	}
}

func TestMonotonicCompletion(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	f.recentHQ()
	req := f.newRoutine(t)

	seen := 0
	submits := []struct{ step, body string }{
		{StepStart, `{"feeling":"ok"}`},
		{StepDisease, `{"pain":5,"stools_per_day":3,"wellbeing":5}`},
		{StepQualityOfLife, `{"fatigue":3,"mood":7,"daily_activities":"unrestricted"}`},
		{StepFinish, `{"confirmed":true}`},
	}
	for _, sub := range submits {
		f.mustSubmit(t, req, sub.step, sub.body)
		completed, err := f.engine.ListCompleted(context.Background(), req.ID)
		if err != nil {
			t.Fatalf("list completed: %v", err)
		}
		if len(completed) < seen {
			t.Fatalf("completed set shrank from %d to %d", seen, len(completed))
		}
		seen = len(completed)
	}
	if seen != 4 {
		t.Fatalf("expected 4 committed steps, got %d", seen)
	}
}

func TestResumabilityAcrossEngineInstances(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	f.recentHQ()
	req := f.newRoutine(t)
	f.mustSubmit(t, req, StepStart, `{"feeling":"ok"}`)
	// Invalid blob left behind before the "restart".
	_ = f.submit(t, req, StepDisease, `{"pain":99,"stools_per_day":3,"wellbeing":5}`)

	// A fresh engine over the same stores sees the same position.
	rec := audit.NewRecorder(f.auditLog, f.keys, true)
	restarted := NewEngine(f.requests, f.steps, f.wizard, f.keys, rec, passTxRunner{}, f.events)
	fresh, _ := f.requests.GetByID(context.Background(), req.ID)
	cur, err := restarted.CurrentStep(context.Background(), fresh)
	if err != nil {
		t.Fatalf("current step after restart: %v", err)
	}
	if cur != StepDisease {
		t.Fatalf("current step after restart = %s, want %s", cur, StepDisease)
	}
	raw, _ := f.wizard.GetRaw(context.Background(), req.ID, StepDisease)
	if raw == nil {
		t.Fatal("raw blob lost across restart")
	}
}

func TestBranchSkipsActivityWhenFeelingGood(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	f.recentHQ()
	req := f.newRoutine(t)
	f.mustSubmit(t, req, StepStart, `{"feeling":"good"}`)

	if got := f.currentStep(t, req); got != StepQualityOfLife {
		t.Fatalf("current step = %s, want %s (activity skipped)", got, StepQualityOfLife)
	}
}

func TestHealthcareQualityWindow(t *testing.T) {
	cases := []struct {
		name    string
		last    *time.Duration
		include bool
	}{
		{"never asked", nil, true},
		{"asked 30 days ago", durationPtr(30 * 24 * time.Hour), false},
		{"asked 400 days ago", durationPtr(400 * 24 * time.Hour), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newEngineFixture(t, DiseaseColitis)
			if tc.last != nil {
				f.requests.hq = append(f.requests.hq, hqCommit{
					patient:   f.patient,
					request:   uuid.New(),
					committed: time.Now().UTC().Add(-*tc.last),
				})
			}
			req := f.newRoutine(t)
			steps, err := f.engine.Sequence(context.Background(), req)
			if err != nil {
				t.Fatalf("sequence: %v", err)
			}
			_, found := StepByID(steps, StepHealthcareQuality)
			if found != tc.include {
				t.Fatalf("healthcare quality included = %v, want %v", found, tc.include)
			}
		})
	}
}

func durationPtr(d time.Duration) *time.Duration { return &d }

// A request's own healthcare quality commit, or commits made after its
/// creation, must not retroactively shrink its sequence: the eligibility rule
// counts prior requests only, judged at created_on.
func TestOwnHealthcareQualityCommitKeepsSequence(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	req := f.newRoutine(t)

	f.mustSubmit(t, req, StepStart, `{"feeling":"ok"}`)
	f.mustSubmit(t, req, StepDisease, `{"pain":5,"stools_per_day":3,"wellbeing":5}`)
	f.mustSubmit(t, req, StepQualityOfLife, `{"fatigue":3,"mood":7,"daily_activities":"unrestricted"}`)
	f.mustSubmit(t, req, StepHealthcareQuality, `{"satisfaction":8,"access":7}`)

	// Mirror what the request_step table now holds: the request's own commit
	// plus a commit on a later request by the same patient.
	now := time.Now().UTC()
	f.requests.hq = append(f.requests.hq,
		hqCommit{patient: f.patient, request: req.ID, committed: now},
		hqCommit{patient: f.patient, request: uuid.New(), committed: req.CreatedOn.Add(time.Hour)},
	)

	steps, err := f.engine.Sequence(context.Background(), req)
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	if _, found := StepByID(steps, StepHealthcareQuality); !found {
		t.Fatal("committed healthcare quality step vanished from the request's own sequence")
	}
	if got := f.currentStep(t, req); got != StepFinish {
		t.Fatalf("current step = %s, want %s", got, StepFinish)
	}

	records, err := f.engine.Records(context.Background(), req)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	var hqSeen bool
	for _, r := range records {
		if r.StepID == StepHealthcareQuality {
			hqSeen = true
		}
	}
	if !hqSeen {
		t.Fatal("committed healthcare quality record missing from Records")
	}
}

func TestKeyRegistryFailureAbortsSubmit(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	req := f.newUrgent(t)
	f.mustSubmit(t, req, StepDirectAppointment, `{"wants_appointment":true}`)

	f.keys.fail = true
	err := f.submit(t, req, StepProblemDescription, `{"problem":"help"}`)
	if !errors.Is(err, ErrCryptoUnavailable) {
		t.Fatalf("expected ErrCryptoUnavailable, got %v", err)
	}
	if got := f.currentStep(t, req); got != StepProblemDescription {
		t.Fatalf("step advanced to %s despite crypto failure", got)
	}
}

func TestSubmitUnknownRequest(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	err := f.engine.Submit(context.Background(), f.actor, uuid.New(), StepStart, []byte(`{}`))
	if !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestColitisSequenceUsesColitisActivity(t *testing.T) {
	f := newEngineFixture(t, DiseaseColitis)
	f.recentHQ()
	req := f.newRoutine(t)
	f.mustSubmit(t, req, StepStart, `{"feeling":"bad"}`)
	f.mustSubmit(t, req, StepDisease, `{"stool_frequency":8,"blood_in_stool":"streaks","urgency":6}`)

	rec, err := f.steps.GetRecord(context.Background(), colitisActivityStep, req.ID)
	if err != nil || rec == nil {
		t.Fatalf("colitis activity record missing: rec=%v err=%v", rec, err)
	}
	if rec.Values["blood_in_stool"] != "streaks" {
		t.Fatalf("blood_in_stool = %v", rec.Values["blood_in_stool"])
	}
}
