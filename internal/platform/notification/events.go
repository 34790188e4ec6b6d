package notification

import (
	"context"

	"github.com/remotecare/remotecare/internal/domain/handling"
	"github.com/remotecare/remotecare/internal/domain/questionnaire"
)

// Dispatcher adapts lifecycle events to outbound notifications. It satisfies
// the questionnaire and handling event interfaces.
type Dispatcher struct {
	mgr *Manager
}

func NewDispatcher(mgr *Manager) *Dispatcher {
	return &Dispatcher{mgr: mgr}
}

// RequestFinished marks the event processed. Finished requests reach the
// professional through their work list, not through a message.
func (d *Dispatcher) RequestFinished(ctx context.Context, ev questionnaire.RequestFinished) error {
	return d.mgr.DispatchEvent(ctx, ev.EventID, "", nil, nil)
}

// HandlingFinished notifies the patient on every known address that the
// review is done. Redelivery of the same event id sends nothing.
func (d *Dispatcher) HandlingFinished(ctx context.Context, ev handling.HandlingFinished) error {
	return d.mgr.DispatchEvent(ctx, ev.EventID, "control-handled", map[string]string{}, ev.Addresses)
}
