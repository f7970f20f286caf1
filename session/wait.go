package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rocketbitz/nd2-go/nd"
)

// WaitForCompletion returns the next completion queued for the session. A
// non-blocking wait on an empty queue yields a result with StatusPending.
// A blocking wait arms a notification and sleeps until a completion arrives
// or ctx is done.
func (s *Session) WaitForCompletion(ctx context.Context, blocking bool) (nd.Result, error) {
	if err := s.waitReady(); err != nil {
		return nd.Result{}, err
	}
	ctx = ensureContext(ctx)
	for {
		if res, ok := s.pollOne(); ok {
			return res, nil
		}
		if !blocking {
			return nd.Result{Status: nd.StatusPending}, nil
		}
		if _, err := s.await(ctx, nil); err != nil {
			return nd.Result{}, err
		}
	}
}

// WaitForCompletionAndCheckContext blocks for the next completion and checks
// it against expected. A canceled completion yields ErrRemoteClosed. Any other
// failure yields a *CompletionError. A successful completion for a different
// request yields an *UnexpectedCompletionError and poisons the session.
func (s *Session) WaitForCompletionAndCheckContext(ctx context.Context, expected nd.RequestContext) (nd.Result, error) {
	if h := s.poisoned.Load(); h != nil {
		return nd.Result{}, h.err
	}
	res, err := s.WaitForCompletion(ctx, true)
	if err != nil {
		return res, err
	}
	switch {
	case res.Status == nd.StatusCanceled:
		s.stats.canceled.Add(1)
		s.record("remote_closed", append(resultFields(res), logKV("message", "remote has closed the connection"))...)
		return res, ErrRemoteClosed
	case res.Status != nd.StatusSuccess:
		cerr := &CompletionError{Result: res}
		s.stats.errors.Add(1)
		s.recordFailure("completion_error", cerr, resultFields(res)...)
		s.metricCompletionFailed(cerr, res)
		if s.cfg.Debug {
			panic(cerr)
		}
		return res, cerr
	case res.RequestContext != expected:
		uerr := &UnexpectedCompletionError{Expected: expected, Result: res}
		s.stats.unexpected.Add(1)
		s.poison(uerr)
		s.recordFailure("unexpected_completion", uerr, resultFields(res)...)
		s.metricUnexpectedCompletion(res)
		if s.cfg.Debug {
			panic(uerr)
		}
		return res, uerr
	}
	s.stats.completions.Add(1)
	s.stats.bytes.Add(uint64(res.BytesTransferred))
	s.metricCompletionSucceeded(res)
	s.record("completion", resultFields(res)...)
	return res, nil
}

// WaitForCompletionStatus blocks for the next completion and returns only its
// status.
func (s *Session) WaitForCompletionStatus(ctx context.Context) (nd.Status, error) {
	res, err := s.WaitForCompletion(ctx, true)
	if err != nil {
		return nd.StatusOf(err), err
	}
	return res.Status, nil
}

// GetResult blocks until the last asynchronous call issued on the session's
// overlapped resolves and returns its status.
func (s *Session) GetResult(ctx context.Context) (nd.Status, error) {
	if s.ov == nil {
		return nd.StatusInvalidHandle, ErrNotInitialized
	}
	_, err := s.ov.Wait(ensureContext(ctx))
	return nd.StatusOf(err), err
}

// CheckForOPs polls once and reports whether a completion was queued, and
// its request type. The completion is consumed.
func (s *Session) CheckForOPs() (bool, nd.RequestType) {
	res, err := s.WaitForCompletion(context.Background(), false)
	if err != nil || res.Status == nd.StatusPending {
		return false, 0
	}
	s.record("pending_operation", resultFields(res)...)
	return true, res.RequestType
}

// ProcessCompletions hands every completion to handler on the calling
// goroutine until timeout passes without a new one, and returns how many it
// processed.
func (s *Session) ProcessCompletions(ctx context.Context, timeout time.Duration, handler func(nd.Result)) (int, error) {
	if err := s.waitReady(); err != nil {
		return 0, err
	}
	ctx = ensureContext(ctx)
	processed := 0
	for {
		for {
			res, ok := s.pollOne()
			if !ok {
				break
			}
			processed++
			if handler != nil {
				handler(res)
			}
		}
		timer := time.NewTimer(timeout)
		expired, err := s.await(ctx, timer.C)
		timer.Stop()
		if err != nil {
			return processed, err
		}
		if expired {
			return processed, nil
		}
	}
}

func (s *Session) waitReady() error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.cq == nil {
		return fmt.Errorf("nd session: %w", nd.ErrInvalidHandle{Resource: "completion queue"})
	}
	return nil
}

func (s *Session) pollOne() (nd.Result, bool) {
	var out [1]nd.Result
	if s.cq.GetResults(out[:]) == 1 {
		return out[0], true
	}
	return nd.Result{}, false
}

// await arms a notification and blocks until it fires, ctx is done or the
// timeout channel delivers. expired reports the timeout case.
func (s *Session) await(ctx context.Context, timeout <-chan time.Time) (expired bool, err error) {
	if err := s.cq.Notify(nd.NotifyAny, s.ov); err != nil {
		return false, fmt.Errorf("completion notification: %w", err)
	}
	select {
	case <-s.ov.Event():
		if _, err := s.ov.Poll(); err != nil {
			return false, fmt.Errorf("completion notification: %w", err)
		}
		return false, nil
	case <-ctx.Done():
		s.cancelNotify()
		return false, ctx.Err()
	case <-timeout:
		s.cancelNotify()
		return true, nil
	}
}

func (s *Session) cancelNotify() {
	_ = s.cq.CancelOverlappedRequests()
	_, _ = s.ov.Wait(context.Background())
}
