package processor

import (
	"context"

	"github.com/onnwee/slotpay/internal/jobs"
	"github.com/onnwee/slotpay/internal/ledger"
	"github.com/onnwee/slotpay/internal/provider"
)

// Intake is the synchronous half of webhook handling: it records a verified
// notification and hands new work to the dispatcher.
type Intake struct {
	ledger    *ledger.Ledger
	submitter Submitter
	metrics   *jobs.Metrics
}

// NewIntake creates an Intake.
func NewIntake(l *ledger.Ledger, submitter Submitter, metrics *jobs.Metrics) *Intake {
	return &Intake{ledger: l, submitter: submitter, metrics: metrics}
}

// Accept records in and queues it unless it was already processed. The
// returned outcome is one of the jobs.Outcome values. An error means the
// notification was not durably recorded and the provider should retry.
func (i *Intake) Accept(ctx context.Context, in ledger.Incoming) (string, *ledger.Event, error) {
	ev, duplicate, err := i.ledger.RecordIncoming(ctx, in)
	if err != nil {
		i.metrics.IncWebhookEvents(string(in.Notification.Provider), jobs.OutcomeFailed)
		return jobs.OutcomeFailed, nil, err
	}

	outcome := jobs.OutcomeAccepted
	switch {
	case duplicate:
		outcome = jobs.OutcomeDuplicate
	case ev.Kind == provider.KindIgnored:
		outcome = jobs.OutcomeIgnored
		i.submitter.Submit(ev)
	default:
		i.submitter.Submit(ev)
	}
	i.metrics.IncWebhookEvents(string(ev.Provider), outcome)
	return outcome, ev, nil
}
