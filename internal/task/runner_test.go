package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"mediatoolkit/internal/progress"
)

func waitForTerminal(t *testing.T, r *Runner, taskID string) progress.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := r.Query(taskID)
		if rec.Status.Terminal() {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for task %s, last record %+v", taskID, r.Query(taskID))
	return progress.Record{}
}

type sequenceIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequenceIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("seq-%04d", s.n)
}

func TestQueryUnknownTask(t *testing.T) {
	r := NewRunner()
	rec := r.Query("never-submitted")
	if rec.Status != progress.StatusUnknown || rec.Progress != 0 {
		t.Fatalf("expected unknown record, got %+v", rec)
	}
}

func TestSubmitRecordsStartingBeforeReturn(t *testing.T) {
	r := NewRunner()
	release := make(chan struct{})
	id, err := r.Submit(func(ctx context.Context, rep Reporter) error {
		<-release
		rep.Report(100, progress.StatusCompleted, "done")
		return nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Fatalf("expected task id")
	}
	rec := r.Query(id)
	if !rec.Status.Valid() {
		t.Fatalf("expected a lifecycle state right after submit, got %+v", rec)
	}
	close(release)
	if got := waitForTerminal(t, r, id); got.Status != progress.StatusCompleted || got.Progress != 100 {
		t.Fatalf("expected completed, got %+v", got)
	}
}

func TestPollingSeesIntermediateThenFinal(t *testing.T) {
	r := NewRunner()
	halfway := make(chan struct{})
	finish := make(chan struct{})
	id, err := r.Submit(func(ctx context.Context, rep Reporter) error {
		time.Sleep(10 * time.Millisecond)
		rep.Report(50, progress.StatusProcessing, "half")
		close(halfway)
		<-finish
		rep.Report(100, progress.StatusCompleted, "done")
		return nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	<-halfway
	rec := r.Query(id)
	if rec.Progress != 50 || rec.Status != progress.StatusProcessing || rec.Message != "half" {
		t.Fatalf("expected 50/processing, got %+v", rec)
	}
	close(finish)
	rec = waitForTerminal(t, r, id)
	if rec.Progress != 100 || rec.Status != progress.StatusCompleted || rec.Message != "done" {
		t.Fatalf("expected 100/completed, got %+v", rec)
	}
}

func TestReportIsIdempotentOverwrite(t *testing.T) {
	r := NewRunner()
	r.Report("x", 100, progress.StatusCompleted, "done")
	first := r.Query("x")
	r.Report("x", 100, progress.StatusCompleted, "done")
	second := r.Query("x")
	if first.Progress != second.Progress || first.Status != second.Status || first.Message != second.Message {
		t.Fatalf("expected same observable record, got %+v vs %+v", first, second)
	}

	r.Report("y", 70, progress.StatusProcessing, "")
	r.Report("y", 20, progress.StatusProcessing, "")
	if got := r.Query("y"); got.Progress != 20 {
		t.Fatalf("expected non-monotonic overwrite to 20, got %d", got.Progress)
	}
}

func TestReportNormalizesTerminalPercent(t *testing.T) {
	r := NewRunner()
	r.Report("c", 40, progress.StatusCompleted, "")
	r.Report("e", 90, progress.StatusError, "boom")
	r.Report("p", 250, progress.StatusProcessing, "")
	if got := r.Query("c").Progress; got != 100 {
		t.Fatalf("completed must be 100, got %d", got)
	}
	if got := r.Query("e").Progress; got != 0 {
		t.Fatalf("error must be 0, got %d", got)
	}
	if got := r.Query("p").Progress; got != 100 {
		t.Fatalf("percent must be clamped, got %d", got)
	}
}

func TestGuardConvertsFailures(t *testing.T) {
	r := NewRunner()

	errID, _ := r.Submit(func(ctx context.Context, rep Reporter) error {
		rep.Report(20, progress.StatusProcessing, "working")
		return fmt.Errorf("convert failed: open /srv/uploads/secret_dir/input.mp4: no such file")
	})
	panicID, _ := r.Submit(func(ctx context.Context, rep Reporter) error {
		panic("nil map")
	})
	silentID, _ := r.Submit(func(ctx context.Context, rep Reporter) error {
		rep.Report(60, progress.StatusProcessing, "almost")
		return nil
	})

	rec := waitForTerminal(t, r, errID)
	if rec.Status != progress.StatusError || rec.Progress != 0 {
		t.Fatalf("expected error record, got %+v", rec)
	}
	if strings.Contains(rec.Message, "/srv/uploads") || !strings.Contains(rec.Message, "input.mp4") {
		t.Fatalf("expected sanitized message, got %q", rec.Message)
	}

	if rec := waitForTerminal(t, r, panicID); rec.Status != progress.StatusError || rec.Message != panicMessage {
		t.Fatalf("expected panic converted to error, got %+v", rec)
	}
	if rec := waitForTerminal(t, r, silentID); rec.Status != progress.StatusError || rec.Message != noResultMessage {
		t.Fatalf("expected missing terminal state converted to error, got %+v", rec)
	}
}

func TestGuardUsesLastReportedStatus(t *testing.T) {
	r := NewRunner()
	id, _ := r.Submit(func(ctx context.Context, rep Reporter) error {
		rep.Report(100, progress.StatusCompleted, "done early")
		rep.Report(40, progress.StatusProcessing, "still going")
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !r.WaitAll(ctx) {
		t.Fatalf("task did not return")
	}
	rec := r.Query(id)
	if rec.Status != progress.StatusError || rec.Message != noResultMessage {
		t.Fatalf("expected task reopened after completion to be closed as error, got %+v", rec)
	}
}

func TestReportCoercesInvalidStatus(t *testing.T) {
	r := NewRunner()
	r.Report("x", 50, progress.StatusUnknown, "looks missing")
	r.Report("y", 10, progress.Status("done"), "")
	for _, id := range []string{"x", "y"} {
		if got := r.Query(id); got.Status != progress.StatusProcessing {
			t.Fatalf("%s: expected invalid status recorded as processing, got %+v", id, got)
		}
	}
	if got := r.Query("x").Progress; got != 50 {
		t.Fatalf("expected percent kept, got %d", got)
	}

	id, _ := r.Submit(func(ctx context.Context, rep Reporter) error {
		rep.Report(30, progress.Status("finished"), "")
		return nil
	})
	if rec := waitForTerminal(t, r, id); rec.Status != progress.StatusError {
		t.Fatalf("expected invalid status not to count as terminal, got %+v", rec)
	}
}

func TestConcurrentSubmissionsReachTerminalStates(t *testing.T) {
	const n = 150
	r := NewRunner()

	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.Submit(func(ctx context.Context, rep Reporter) error {
				rep.Report(i%100, progress.StatusProcessing, "step")
				if i%7 == 0 {
					return errors.New("tool exited 1")
				}
				rep.Report(100, progress.StatusCompleted, "result "+rep.TaskID())
				return nil
			})
			if err != nil {
				t.Errorf("submit: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	if !r.WaitAll(context.Background()) {
		t.Fatalf("expected workers to finish")
	}

	seen := make(map[string]struct{}, n)
	for i, id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate task id %s", id)
		}
		seen[id] = struct{}{}
		rec := r.Query(id)
		if i%7 == 0 {
			if rec.Status != progress.StatusError {
				t.Fatalf("task %d: expected error, got %+v", i, rec)
			}
			continue
		}
		if rec.Status != progress.StatusCompleted || rec.Message != "result "+id {
			t.Fatalf("task %d: record overwritten or incomplete: %+v", i, rec)
		}
	}
	if r.ActiveTasks() != 0 {
		t.Fatalf("expected no active tasks, got %d", r.ActiveTasks())
	}
}

func TestBoundedRunnerIsBusy(t *testing.T) {
	r := NewRunnerWithOptions(Options{MaxConcurrentTasks: 1, IDs: &sequenceIDs{}})
	blocker := make(chan struct{})
	running := make(chan struct{})
	first, _ := r.Submit(func(ctx context.Context, rep Reporter) error {
		close(running)
		<-blocker
		rep.Report(100, progress.StatusCompleted, "done")
		return nil
	})
	<-running
	if !r.IsBusy() {
		t.Fatalf("expected runner to be busy while processing")
	}

	second, _ := r.Submit(func(ctx context.Context, rep Reporter) error {
		rep.Report(100, progress.StatusCompleted, "done")
		return nil
	})
	if first != "seq-0001" || second != "seq-0002" {
		t.Fatalf("expected generator ids, got %s %s", first, second)
	}
	if got := r.Query(second); got.Status != progress.StatusStarting {
		t.Fatalf("expected queued task to stay starting, got %+v", got)
	}

	close(blocker)
	if !r.WaitAll(context.Background()) {
		t.Fatalf("expected workers to finish")
	}
	if got := r.Query(second); got.Status != progress.StatusCompleted {
		t.Fatalf("expected second completed, got %+v", got)
	}
}

func TestQueuedTaskFailsOnShutdown(t *testing.T) {
	r := NewRunnerWithOptions(Options{MaxConcurrentTasks: 1})
	ctx, cancel := context.WithCancel(context.Background())
	r.SetBaseContext(ctx)

	blocker := make(chan struct{})
	running := make(chan struct{})
	_, _ = r.Submit(func(ctx context.Context, rep Reporter) error {
		close(running)
		<-blocker
		rep.Report(100, progress.StatusCompleted, "done")
		return nil
	})
	<-running
	queued, _ := r.Submit(func(ctx context.Context, rep Reporter) error {
		rep.Report(100, progress.StatusCompleted, "done")
		return nil
	})

	cancel()
	rec := waitForTerminal(t, r, queued)
	close(blocker)
	if rec.Status != progress.StatusError || rec.Message != shutdownMessage {
		t.Fatalf("expected shutdown error for queued task, got %+v", rec)
	}
	r.WaitAll(context.Background())
}

func TestStartValidation(t *testing.T) {
	r := NewRunner()
	if err := r.Start("", func(context.Context, Reporter) error { return nil }); !errors.Is(err, ErrEmptyID) {
		t.Fatalf("expected ErrEmptyID, got %v", err)
	}
	if _, err := r.Submit(nil); !errors.Is(err, ErrNilWork) {
		t.Fatalf("expected ErrNilWork, got %v", err)
	}
}

func TestWaitAllTimesOut(t *testing.T) {
	r := NewRunner()
	blocker := make(chan struct{})
	defer close(blocker)
	_, _ = r.Submit(func(ctx context.Context, rep Reporter) error {
		<-blocker
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if r.WaitAll(ctx) {
		t.Fatalf("expected timeout while worker blocked")
	}
}

func TestPruneRecords(t *testing.T) {
	store := progress.NewMemoryStore()
	r := NewRunnerWithOptions(Options{Store: store})
	_ = store.Put(context.Background(), "old", progress.Record{Status: progress.StatusCompleted, Timestamp: time.Now().Add(-3 * time.Hour)})
	r.Report("fresh", 100, progress.StatusCompleted, "")

	removed, err := r.PruneRecords(context.Background(), time.Hour)
	if err != nil || removed != 1 {
		t.Fatalf("expected one pruned record, got %d err=%v", removed, err)
	}
	if removed, _ := r.PruneRecords(context.Background(), 0); removed != 0 {
		t.Fatalf("zero ttl must disable pruning")
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"exit status 1", "exit status 1"},
		{"open /var/app/uploads/abc_in.mp4: permission denied", "open abc_in.mp4: permission denied"},
		{`read C:\data\out\x.zip failed`, "read x.zip failed"},
	}
	for _, c := range cases {
		if got := SanitizeMessage(c.in); got != c.want {
			t.Fatalf("SanitizeMessage(%q)=%q want %q", c.in, got, c.want)
		}
	}
	long := strings.Repeat("a", 300)
	if got := SanitizeMessage(long); len([]rune(got)) != maxMessageRunes+3 {
		t.Fatalf("expected truncation, got %d runes", len([]rune(got)))
	}
	if Sanitize(nil) != "" {
		t.Fatalf("nil error must sanitize to empty")
	}
}
