package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"teetime-lottery/internal/adapters/memstore"
	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/usecase/finalize"
)

type delivery struct {
	job  domain.FinalizeJob
	acks []bool
}

// queueStub отдаёт задачи по очереди, ack(false) возвращает задачу в конец.
type queueStub struct {
	pending []*delivery
	cancel  context.CancelFunc
}

func (q *queueStub) Enqueue(_ context.Context, job domain.FinalizeJob) error {
	q.pending = append(q.pending, &delivery{job: job})
	return nil
}

func (q *queueStub) Receive(ctx context.Context) (domain.FinalizeJob, domain.AckFunc, error) {
	if len(q.pending) == 0 {
		q.cancel()
		return domain.FinalizeJob{}, nil, context.Canceled
	}
	d := q.pending[0]
	q.pending = q.pending[1:]
	return d.job, func(success bool) error {
		d.acks = append(d.acks, success)
		if !success {
			q.pending = append(q.pending, d)
		}
		return nil
	}, nil
}

type finalizerStub struct {
	calls int
	errs  []error
}

func (f *finalizerStub) Finalize(_ context.Context, date time.Time) (finalize.Result, error) {
	f.calls++
	if len(f.errs) >= f.calls && f.errs[f.calls-1] != nil {
		return finalize.Result{}, f.errs[f.calls-1]
	}
	return finalize.Result{Date: date.Format(domain.DateLayout), Committed: 2}, nil
}

func newWorker(t *testing.T, f *finalizerStub, jobs ...domain.FinalizeJob) (*jobWorker, *queueStub, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q := &queueStub{cancel: cancel}
	for _, j := range jobs {
		_ = q.Enqueue(ctx, j)
	}
	return &jobWorker{
		log:      zerolog.Nop(),
		queue:    q,
		statuses: memstore.New(),
		service:  f,
		sleep:    func(time.Duration) {},
	}, q, ctx
}

func TestWorkerCompletesJobOnce(t *testing.T) {
	f := &finalizerStub{}
	job := domain.FinalizeJob{ID: "job-1", Date: "2026-10-17", Cause: domain.FinalizeCauseManual}
	w, _, ctx := newWorker(t, f, job, job)
	w.Run(ctx)
	if f.calls != 1 {
		t.Fatalf("duplicate delivery must not finalize twice, got %d calls", f.calls)
	}
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	f := &finalizerStub{errs: []error{errors.New("db down"), nil}}
	w, q, ctx := newWorker(t, f, domain.FinalizeJob{ID: "job-2", Date: "2026-10-17"})
	d := q.pending[0]
	w.Run(ctx)
	if f.calls != 2 {
		t.Fatalf("expected retry after transient failure, got %d calls", f.calls)
	}
	if len(d.acks) != 2 || d.acks[0] || !d.acks[1] {
		t.Fatalf("unexpected acks %v", d.acks)
	}
}

func TestWorkerGivesUpAfterMaxAttempts(t *testing.T) {
	errs := make([]error, maxDeliveryAttempts+1)
	for i := range errs {
		errs[i] = errors.New("still down")
	}
	f := &finalizerStub{errs: errs}
	w, _, ctx := newWorker(t, f, domain.FinalizeJob{ID: "job-3", Date: "2026-10-17"})
	w.Run(ctx)
	if f.calls != maxDeliveryAttempts {
		t.Fatalf("expected %d attempts, got %d", maxDeliveryAttempts, f.calls)
	}
}

func TestWorkerSkipsRejectedAndInvalidJobs(t *testing.T) {
	f := &finalizerStub{errs: []error{&domain.StateTransitionError{Entity: "reconciliation", ID: "2026-10-17", From: "DIRTY", To: "FINALIZED"}}}
	w, _, ctx := newWorker(t, f,
		domain.FinalizeJob{ID: "", Date: "2026-10-17"},
		domain.FinalizeJob{ID: "job-4", Date: "not-a-date"},
		domain.FinalizeJob{ID: "job-5", Date: "2026-10-17"},
	)
	w.Run(ctx)
	if f.calls != 1 {
		t.Fatalf("only the valid job must reach finalize, got %d calls", f.calls)
	}
}
