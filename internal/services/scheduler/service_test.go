package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gotrs-io/gotrs-postmaster/internal/cache"
	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/postmaster"
	"github.com/gotrs-io/gotrs-postmaster/internal/models"
	"github.com/gotrs-io/gotrs-postmaster/internal/repository"
)

var fixedNow = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type fakePoller struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, queue models.Queue) (postmaster.CycleReport, error)
}

func (p *fakePoller) ProcessQueue(ctx context.Context, queue models.Queue) (postmaster.CycleReport, error) {
	p.mu.Lock()
	p.calls = append(p.calls, queue.Slug)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(ctx, queue)
	}
	return postmaster.CycleReport{QueueSlug: queue.Slug, MessagesSeen: 2, StartedAt: fixedNow, FinishedAt: fixedNow}, nil
}

func (p *fakePoller) called() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int)
	for _, slug := range p.calls {
		out[slug]++
	}
	return out
}

type countingRecorder struct {
	started  int
	due      int
	finished int
}

func (r *countingRecorder) PollStarted(due int) func() {
	r.started++
	r.due = due
	return func() { r.finished++ }
}

func queue(slug string, interval time.Duration) models.Queue {
	return models.Queue{Slug: slug, Mailbox: connector.MailboxConfig{Kind: connector.KindLocal, PollInterval: interval}}
}

func newTestService(t *testing.T, poller Poller, opts ...Option) *Service {
	t.Helper()
	cronEngine := cron.New(cron.WithLocation(time.UTC))
	t.Cleanup(func() { cronEngine.Stop() })
	base := []Option{WithCron(cronEngine), WithClock(func() time.Time { return fixedNow })}
	return NewService(poller, append(base, opts...)...)
}

func TestScheduleTickRegistersEntry(t *testing.T) {
	svc := newTestService(t, &fakePoller{}, WithSchedule("*/5 * * * *"))
	if err := svc.scheduleTick(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.entryID == 0 {
		t.Fatalf("expected a cron entry for the poll tick")
	}
}

func TestRunRejectsInvalidSchedule(t *testing.T) {
	svc := newTestService(t, &fakePoller{}, WithSchedule("every now and then"))
	err := svc.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "invalid schedule") {
		t.Fatalf("expected invalid schedule error, got %v", err)
	}
}

func TestRunOnceSelectsDueQueues(t *testing.T) {
	state := repository.NewMemoryQueueState()
	ctx := context.Background()
	_ = state.MarkChecked(ctx, "QQ", fixedNow.Add(-1*time.Minute))
	_ = state.MarkChecked(ctx, "BILL", fixedNow.Add(-10*time.Minute))
	_ = state.MarkChecked(ctx, "EXACT", fixedNow.Add(-5*time.Minute))

	poller := &fakePoller{}
	svc := newTestService(t, poller,
		WithQueueState(state),
		WithQueues(StaticQueues{
			queue("QQ", 5*time.Minute),
			queue("BILL", 5*time.Minute),
			queue("EXACT", 0),
			queue("NEW", 45*time.Minute),
			queue("FRESH", time.Hour),
		}),
	)

	if err := svc.RunOnce(ctx, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := poller.called()
	for _, slug := range []string{"BILL", "EXACT"} {
		if calls[slug] != 1 {
			t.Fatalf("expected %s to be polled once, got %d", slug, calls[slug])
		}
	}
	for _, slug := range []string{"QQ", "NEW", "FRESH"} {
		if calls[slug] != 0 {
			t.Fatalf("did not expect %s to be polled", slug)
		}
	}

	at, ok, _ := state.LastChecked(ctx, "BILL")
	if !ok || !at.Equal(fixedNow) {
		t.Fatalf("expected BILL checked at %v, got %v", fixedNow, at)
	}
	summary := svc.LastRun()
	if summary.Due != 2 || summary.Polled != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestNeverCheckedQueueAssumesRecentCheck(t *testing.T) {
	svc := newTestService(t, &fakePoller{})
	due, err := svc.DueQueues(context.Background(), []models.Queue{
		queue("SHORT", 10*time.Minute),
		queue("LONG", 31*time.Minute),
		queue("EDGE", 30*time.Minute),
	}, fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 2 || due[0].Slug != "SHORT" || due[1].Slug != "EDGE" {
		t.Fatalf("unexpected due queues: %+v", due)
	}
}

func TestRunOnceForcePollsEveryQueue(t *testing.T) {
	state := repository.NewMemoryQueueState()
	_ = state.MarkChecked(context.Background(), "QQ", fixedNow)
	poller := &fakePoller{}
	svc := newTestService(t, poller, WithQueueState(state), WithQueues(StaticQueues{queue("QQ", time.Hour)}))

	if err := svc.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if poller.called()["QQ"] != 1 {
		t.Fatalf("expected a forced poll of QQ")
	}
}

func TestFailedCycleIsNotMarkedChecked(t *testing.T) {
	state := repository.NewMemoryQueueState()
	status := cache.NewLocalCache(time.Hour)
	poller := &fakePoller{fn: func(_ context.Context, q models.Queue) (postmaster.CycleReport, error) {
		if q.Slug == "QQ" {
			return postmaster.CycleReport{QueueSlug: "QQ", AbortReason: "pop3 login: denied"}, errors.New("pop3 login: denied")
		}
		return postmaster.CycleReport{QueueSlug: q.Slug}, nil
	}}
	svc := newTestService(t, poller,
		WithQueueState(state),
		WithStatusStore(status),
		WithWorkers(2),
		WithQueues(StaticQueues{queue("QQ", 0), queue("BILL", 0)}),
	)

	err := svc.RunOnce(context.Background(), true)
	if err == nil || !strings.Contains(err.Error(), "queue QQ: pop3 login: denied") {
		t.Fatalf("expected joined queue error, got %v", err)
	}
	if _, ok, _ := state.LastChecked(context.Background(), "QQ"); ok {
		t.Fatalf("failed cycle must not advance the check time")
	}
	if _, ok, _ := state.LastChecked(context.Background(), "BILL"); !ok {
		t.Fatalf("other queues keep running")
	}
	st, ok, _ := status.GetStatus(context.Background(), "QQ")
	if !ok || st.LastStatus != "error" || st.LastError != "pop3 login: denied" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestPanickingCycleIsRecovered(t *testing.T) {
	status := cache.NewLocalCache(time.Hour)
	poller := &fakePoller{fn: func(context.Context, models.Queue) (postmaster.CycleReport, error) {
		panic("boom")
	}}
	svc := newTestService(t, poller, WithStatusStore(status), WithQueues(StaticQueues{queue("QQ", 0)}))

	err := svc.RunOnce(context.Background(), true)
	if err == nil || !strings.Contains(err.Error(), "panic: boom") {
		t.Fatalf("expected recovered panic, got %v", err)
	}
	st, ok, _ := status.GetStatus(context.Background(), "QQ")
	if !ok || st.LastStatus != "error" {
		t.Fatalf("expected error status after panic, got %+v", st)
	}
}

func TestLockedQueueIsSkipped(t *testing.T) {
	locks := cache.NewLocalCache(0)
	ctx := context.Background()
	release, err := locks.Acquire(ctx, "QQ", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	poller := &fakePoller{}
	svc := newTestService(t, poller, WithLocker(locks), WithQueues(StaticQueues{queue("QQ", 0), queue("BILL", 0)}))
	if err := svc.RunOnce(ctx, true); err != nil {
		t.Fatalf("a held lock is not an error: %v", err)
	}
	calls := poller.called()
	if calls["QQ"] != 0 || calls["BILL"] != 1 {
		t.Fatalf("unexpected calls %v", calls)
	}
	if svc.LastRun().Locked != 1 {
		t.Fatalf("expected one locked queue, got %+v", svc.LastRun())
	}

	_ = release(ctx)
	if _, err := locks.Acquire(ctx, "BILL", time.Minute); err != nil {
		t.Fatalf("expected BILL lock released after the cycle: %v", err)
	}
}

func TestStatusRecordedAfterCycle(t *testing.T) {
	status := cache.NewLocalCache(time.Hour)
	svc := newTestService(t, &fakePoller{}, WithStatusStore(status), WithQueues(StaticQueues{queue("QQ", 5*time.Minute)}))

	if err := svc.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, ok, _ := status.GetStatus(context.Background(), "QQ")
	if !ok {
		t.Fatalf("expected a status entry")
	}
	if st.LastStatus != "ok" || st.MessagesSeen != 2 {
		t.Fatalf("unexpected status %+v", st)
	}
	if !st.NextPollETA.Equal(fixedNow.Add(5 * time.Minute)) {
		t.Fatalf("unexpected next poll eta %v", st.NextPollETA)
	}
}

func TestWorkersBoundConcurrency(t *testing.T) {
	var active, peak int32
	poller := &fakePoller{fn: func(_ context.Context, q models.Queue) (postmaster.CycleReport, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return postmaster.CycleReport{QueueSlug: q.Slug}, nil
	}}
	queues := StaticQueues{queue("A", 0), queue("B", 0), queue("C", 0), queue("D", 0), queue("E", 0)}
	svc := newTestService(t, poller, WithWorkers(2), WithQueues(queues))

	if err := svc.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Fatalf("expected at most 2 concurrent cycles, got %d", got)
	}
	if len(poller.called()) != 5 {
		t.Fatalf("expected every queue polled")
	}
}

func TestCycleTimeout(t *testing.T) {
	poller := &fakePoller{fn: func(ctx context.Context, q models.Queue) (postmaster.CycleReport, error) {
		<-ctx.Done()
		return postmaster.CycleReport{QueueSlug: q.Slug, AbortReason: ctx.Err().Error()}, ctx.Err()
	}}
	svc := newTestService(t, poller, WithCycleTimeout(10*time.Millisecond), WithQueues(StaticQueues{queue("QQ", 0)}))

	err := svc.RunOnce(context.Background(), true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunRecorderSeesDueCount(t *testing.T) {
	rec := &countingRecorder{}
	svc := newTestService(t, &fakePoller{}, WithRunRecorder(rec), WithQueues(StaticQueues{queue("QQ", 0), queue("BILL", 0)}))

	if err := svc.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.started != 1 || rec.finished != 1 || rec.due != 2 {
		t.Fatalf("unexpected recorder state %+v", rec)
	}
}

func TestQueueSourceErrorAndSwap(t *testing.T) {
	poller := &fakePoller{}
	svc := newTestService(t, poller, WithQueues(QueueSourceFunc(func(context.Context) ([]models.Queue, error) {
		return nil, errors.New("db down")
	})))

	if err := svc.RunOnce(context.Background(), true); err == nil || !strings.Contains(err.Error(), "list queues") {
		t.Fatalf("expected list error, got %v", err)
	}

	svc.SetQueueSource(StaticQueues{queue("QQ", 0)})
	if err := svc.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if poller.called()["QQ"] != 1 {
		t.Fatalf("expected the swapped queue list to be used")
	}
}

func TestRunPollsOnStartupAndStops(t *testing.T) {
	done := make(chan struct{}, 1)
	poller := &fakePoller{fn: func(_ context.Context, q models.Queue) (postmaster.CycleReport, error) {
		select {
		case done <- struct{}{}:
		default:
		}
		return postmaster.CycleReport{QueueSlug: q.Slug}, nil
	}}
	svc := newTestService(t, poller,
		WithSchedule("@every 1h"),
		WithRunOnStartup(true),
		WithQueues(StaticQueues{queue("QQ", 0)}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a startup poll")
	}
	if svc.NextRun().IsZero() {
		t.Fatalf("expected the next tick to be scheduled")
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
}
