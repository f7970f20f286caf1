package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/rocketbitz/nd2-go/nd"
)

// Shutdown disconnects the connector, drains the completions the disconnect
// flushed, invalidates a bound window and deregisters the session buffer. A
// failed disconnect is logged and does not stop the remaining steps.
func (s *Session) Shutdown(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx = ensureContext(ctx)
	if err := s.Disconnect(ctx); err != nil && !errors.Is(err, nd.StatusConnectionInvalid) {
		s.recordFailure("disconnect_failed", err)
	}
	drained := s.drain()

	var err error
	if s.mw != nil && s.mw.Bound() && s.qp != nil {
		if ierr := s.qp.Invalidate(invalidateContext, s.mw, 0); ierr != nil {
			err = multierr.Append(err, fmt.Errorf("invalidate memory window: %w", ierr))
		} else {
			drained += s.drain()
		}
	}
	err = multierr.Append(err, s.DeregisterBuffer(ctx))
	s.record("shutdown", logKV("drained", drained))
	return err
}

// FlushQP cancels every outstanding request on the queue pair. Each one
// surfaces as a StatusCanceled completion. The connection is left intact.
func (s *Session) FlushQP() error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.qp == nil {
		return fmt.Errorf("nd session: %w", nd.ErrInvalidHandle{Resource: "queue pair"})
	}
	if err := s.qp.Flush(); err != nil {
		return fmt.Errorf("flush queue pair: %w", err)
	}
	return nil
}

// ClearOPs flushes the queue pair and consumes the completions it produced
// without blocking. It returns how many completions were consumed.
func (s *Session) ClearOPs(ctx context.Context) (int, error) {
	if err := s.FlushQP(); err != nil {
		return 0, err
	}
	ctx = ensureContext(ctx)
	cleared := 0
	for {
		if err := ctx.Err(); err != nil {
			return cleared, err
		}
		res, err := s.WaitForCompletion(ctx, false)
		if err != nil {
			return cleared, err
		}
		if res.Status == nd.StatusPending {
			break
		}
		cleared++
	}
	s.record("cleared", logKV("count", cleared))
	return cleared, nil
}

// drain consumes queued completions without blocking.
func (s *Session) drain() int {
	if s.cq == nil {
		return 0
	}
	n := 0
	for {
		if _, ok := s.pollOne(); !ok {
			return n
		}
		n++
	}
}
