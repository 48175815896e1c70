package payment

import (
	"context"
)

// Outcome is the result of the post-confirmation work of one payment.
type Outcome struct {
	// Intent is the final intent: StatusConfirmed when recorded, StatusRecordFailed otherwise.
	Intent     Intent
	RecordErr  error
	BalanceErr error
	HistoryErr error
}

// Recorded reports whether the ledger accepted the payment.
func (o *Outcome) Recorded() bool {
	return o.RecordErr == nil
}

// Settlement tracks the background recording of a confirmed payment.
type Settlement struct {
	confirmed Intent
	done      chan struct{}
	outcome   *Outcome
}

func newSettlement(confirmed Intent) *Settlement {
	return &Settlement{confirmed: confirmed, done: make(chan struct{})}
}

// Intent returns the intent as it was when confirmation succeeded.
func (s *Settlement) Intent() Intent {
	return s.confirmed.clone()
}

// Done is closed once recording and refreshes have finished.
func (s *Settlement) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the settlement finishes or ctx ends.
func (s *Settlement) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-s.done:
		return s.outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Settlement) finish(out *Outcome) {
	s.outcome = out
	close(s.done)
}
