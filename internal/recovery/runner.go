package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

var (
	// ErrCanceled is returned when a cancellation request stops recovery.
	ErrCanceled = errors.New("operation canceled")
	// ErrDesync indicates the server's acknowledged position cannot be
	// reconciled with the operation being retried.
	ErrDesync = errors.New("transfer out of sync with server")
	// ErrAttemptsExhausted is returned once MaxAttempts is reached.
	ErrAttemptsExhausted = errors.New("recovery attempts exhausted")
)

// DefaultDelay is the pause between attempts of a zero Runner.
const DefaultDelay = 2 * time.Second

// Decision is the outcome of reconciling a retried operation with the
// server's status.
type Decision int

const (
	// Resend repeats the call.
	Resend Decision = iota
	// Done means the server already applied the previous attempt.
	Done
)

func (d Decision) String() string {
	if d == Done {
		return "done"
	}
	return "resend"
}

// Operation is one remote call. Send performs it. Reconcile runs before
// every retry and decides whether a resend is needed; nil always resends.
type Operation struct {
	Name      string
	Send      func(ctx context.Context) error
	Reconcile func(ctx context.Context) (Decision, error)
}

// Runner executes operations until they succeed, fail fatally or are
// canceled.
type Runner struct {
	// Delay is the pause before the first retry.
	Delay time.Duration
	// Multiplier grows the delay after each retry; values below 1 keep it
	// constant.
	Multiplier float64
	// MaxDelay caps a growing delay. Zero means no cap.
	MaxDelay time.Duration
	// MaxAttempts bounds the attempts per operation. Zero retries forever.
	MaxAttempts int

	// Permit is asked before each retry. Returning false stops the
	// operation with ErrCanceled.
	Permit func() bool
	// Interrupt wakes a pending delay; the operation then stops with
	// ErrCanceled.
	Interrupt <-chan struct{}

	// OnNew is called when an operation starts.
	OnNew func(op string)
	// OnRetry is called before each retry with the failure that caused it.
	OnRetry func(err *OperationError)

	Logger *slog.Logger
}

// Run executes op. The first attempt calls Send directly; every retry
// reconciles first. Failures are returned as *OperationError, except for
// cancellation (ErrCanceled) and context errors.
func (r *Runner) Run(ctx context.Context, op Operation) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if r.OnNew != nil {
		r.OnNew(op.Name)
	}

	delay := r.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}

	for attempt := 1; ; attempt++ {
		err := r.attempt(ctx, op, attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info("operation recovered", "op", op.Name, "attempts", attempt)
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		oe := Classify(op.Name, err)
		if !oe.Kind.Retryable() {
			return oe
		}
		if r.MaxAttempts > 0 && attempt >= r.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempt, oe)
		}
		if !r.permitted() {
			return ErrCanceled
		}
		if r.OnRetry != nil {
			r.OnRetry(oe)
		}
		logger.Warn("operation failed, retrying", "op", op.Name, "kind", oe.Kind.String(), "attempt", attempt, "delay", delay, "error", oe.Cause)

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
		if !r.permitted() {
			return ErrCanceled
		}
		delay = r.next(delay)
	}
}

func (r *Runner) attempt(ctx context.Context, op Operation, attempt int) error {
	if attempt > 1 && op.Reconcile != nil {
		decision, err := op.Reconcile(ctx)
		if err != nil {
			return err
		}
		if decision == Done {
			return nil
		}
	}
	return op.Send(ctx)
}

func (r *Runner) permitted() bool {
	return r.Permit == nil || r.Permit()
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-r.Interrupt:
		return ErrCanceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) next(d time.Duration) time.Duration {
	if r.Multiplier <= 1 {
		return d
	}
	n := float64(d) * r.Multiplier
	if r.MaxDelay > 0 {
		n = math.Min(n, float64(r.MaxDelay))
	}
	return time.Duration(n)
}

// StatusFunc fetches the server status of the transfer being recovered.
type StatusFunc func(ctx context.Context) (service.Status, error)

// SeqReconciler reconciles the send of frame seq: if the server already
// acknowledged seq the send is done, if it is exactly one behind the frame
// is resent, anything else is a fatal desynchronization.
func SeqReconciler(status StatusFunc, seq int) func(ctx context.Context) (Decision, error) {
	return func(ctx context.Context) (Decision, error) {
		st, err := status(ctx)
		if err != nil {
			return Resend, err
		}
		if err := StatusError(st); err != nil {
			return Resend, err
		}
		switch st.LastSeqNum {
		case seq:
			return Done, nil
		case seq - 1:
			return Resend, nil
		default:
			return Resend, desync(seq, st.LastSeqNum)
		}
	}
}

// RedeliveryReconciler reconciles the receive of frame seq. The server
// re-delivers its last frame, so both seq-1 (never delivered) and seq
// (delivered but the response was lost) are re-requested.
func RedeliveryReconciler(status StatusFunc, seq int) func(ctx context.Context) (Decision, error) {
	return func(ctx context.Context) (Decision, error) {
		st, err := status(ctx)
		if err != nil {
			return Resend, err
		}
		if err := StatusError(st); err != nil {
			return Resend, err
		}
		if st.LastSeqNum == seq || st.LastSeqNum == seq-1 {
			return Resend, nil
		}
		return Resend, desync(seq, st.LastSeqNum)
	}
}

// StatusError converts a terminal, unsuccessful server status into a
// fatal error.
func StatusError(st service.Status) error {
	switch st.State {
	case service.StateCanceled, service.StateAborted, service.StateFailed:
		code := st.ErrorCode
		if code == "" {
			code = service.CodeIllegalState
		}
		msg := st.ErrorMessage
		if msg == "" {
			msg = "transfer " + st.State.String()
		}
		return &service.FatalError{Code: code, Message: msg, Params: map[string]string{"state": st.State.String()}}
	}
	return nil
}

func desync(seq, acked int) error {
	return &OperationError{
		Op:     "reconcile",
		Kind:   Fatal,
		Cause:  fmt.Errorf("%w: frame %d, server acknowledged %d", ErrDesync, seq, acked),
		Params: map[string]string{"seq": fmt.Sprint(seq), "acked": fmt.Sprint(acked)},
	}
}
