package main

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remotecare/remotecare/internal/domain/questionnaire"
)

type stubDiseaseLookup struct {
	disease string
	err     error
}

func (s *stubDiseaseLookup) DiseaseOf(_ context.Context, _ uuid.UUID) (string, error) {
	return s.disease, s.err
}

func TestPatientDirectoryMapsDisease(t *testing.T) {
	dir := &patientDirectory{svc: &stubDiseaseLookup{disease: "crohn"}}
	got, err := dir.DiseaseOf(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("DiseaseOf: %v", err)
	}
	if got != questionnaire.DiseaseCrohn {
		t.Errorf("DiseaseOf = %q, want %q", got, questionnaire.DiseaseCrohn)
	}
}

func TestPatientDirectoryPropagatesError(t *testing.T) {
	wantErr := errors.New("no such patient")
	dir := &patientDirectory{svc: &stubDiseaseLookup{err: wantErr}}
	if _, err := dir.DiseaseOf(context.Background(), uuid.New()); !errors.Is(err, wantErr) {
		t.Errorf("DiseaseOf error = %v, want %v", err, wantErr)
	}
}

func TestLogSendersNeverFail(t *testing.T) {
	logger := zerolog.Nop()
	email := &logEmailSender{logger: logger}
	if err := email.SendEmail(context.Background(), "a@b.example", "subject", "body"); err != nil {
		t.Errorf("SendEmail: %v", err)
	}
	sms := &logSMSSender{logger: logger}
	if err := sms.SendSMS(context.Background(), "+31600000000", "body"); err != nil {
		t.Errorf("SendSMS: %v", err)
	}
}
