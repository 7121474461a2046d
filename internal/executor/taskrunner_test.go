package executor

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"cidd/internal/executor/runtime"
	"cidd/internal/store"
)

// sequenceRuntime hands out a fixed sequence of exit results, one per Start
// call, repeating the last entry if Start is called more times than the
// sequence has entries.
type sequenceRuntime struct {
	results []runtime.ExitResult
	calls   int
}

func (r *sequenceRuntime) Start(ctx context.Context, opts runtime.StartOptions) (runtime.Handle, error) {
	i := r.calls
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	r.calls++
	return &sequenceHandle{result: r.results[i]}, nil
}

type sequenceHandle struct {
	result runtime.ExitResult
}

func (h *sequenceHandle) Wait(ctx context.Context) (runtime.ExitResult, error) { return h.result, nil }
func (h *sequenceHandle) Stop(ctx context.Context) error                      { return nil }
func (h *sequenceHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

type recordingLogStore struct {
	fragments []string
}

func (s *recordingLogStore) AppendLogFragment(ctx context.Context, bucketID, content string) error {
	s.fragments = append(s.fragments, content)
	return nil
}
func (s *recordingLogStore) LogFragments(ctx context.Context, bucketID string) ([]*store.LogFragment, error) {
	return nil, nil
}

type fakeDBReconnector struct {
	closed   int
	reopened int
}

func (f *fakeDBReconnector) Close() error                     { f.closed++; return nil }
func (f *fakeDBReconnector) Reopen(ctx context.Context) error { f.reopened++; return nil }

func TestRun_RetriesOnceOnSigAbort(t *testing.T) {
	rt := &sequenceRuntime{results: []runtime.ExitResult{{Signal: sigAbort}, {ExitCode: 0}}}
	db := &fakeDBReconnector{}
	tr := NewTaskRunner(rt, &recordingLogStore{}, db, time.Hour, testLogger())

	res := tr.Run(context.Background(), "b1", store.Task{Name: "flaky", Command: []string{"true"}}, nil, "/tmp")

	if !res.Retried {
		t.Error("expected Retried to be true after one SIGABRT")
	}
	if !res.Succeeded() {
		t.Errorf("expected final success after the retry, got %+v", res)
	}
	if rt.calls != 2 {
		t.Errorf("expected exactly 2 start calls, got %d", rt.calls)
	}
	if db.closed != 2 || db.reopened != 2 {
		t.Errorf("expected the db pool closed/reopened once per attempt, got closed=%d reopened=%d", db.closed, db.reopened)
	}
}

func TestRun_SecondAbortIsFinal(t *testing.T) {
	rt := &sequenceRuntime{results: []runtime.ExitResult{{Signal: sigAbort}, {Signal: sigAbort}}}
	tr := NewTaskRunner(rt, &recordingLogStore{}, nil, time.Hour, testLogger())

	res := tr.Run(context.Background(), "b1", store.Task{Name: "flaky", Command: []string{"true"}}, nil, "/tmp")

	if !res.Retried {
		t.Error("expected Retried to be true after the first SIGABRT")
	}
	if res.Succeeded() {
		t.Error("expected the second SIGABRT to be final, not retried again")
	}
	if res.Signal != sigAbort {
		t.Errorf("expected terminal signal %d, got %d", sigAbort, res.Signal)
	}
	if rt.calls != 2 {
		t.Errorf("expected exactly 2 start calls (no third retry), got %d", rt.calls)
	}
}

func TestRun_NoRetryOnCleanExit(t *testing.T) {
	rt := &sequenceRuntime{results: []runtime.ExitResult{{ExitCode: 1}}}
	tr := NewTaskRunner(rt, &recordingLogStore{}, nil, time.Hour, testLogger())

	res := tr.Run(context.Background(), "b1", store.Task{Name: "failing", Command: []string{"false"}}, nil, "/tmp")

	if res.Retried {
		t.Error("a plain nonzero exit must not be retried")
	}
	if res.Succeeded() {
		t.Error("expected failure")
	}
	if rt.calls != 1 {
		t.Errorf("expected exactly 1 start call, got %d", rt.calls)
	}
}
