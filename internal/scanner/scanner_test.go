package scanner

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"cidd/internal/envelope"
	"cidd/internal/queue"
	"cidd/internal/store"
)

type fakeStore struct {
	store.Store

	projects []*store.Project

	lastBuild    *store.Build
	lastBuildErr error

	nonTerminal []*store.Bucket

	wantsBuild bool

	markedFailed   map[string]string
	updatedState   map[string]string
	createdBuckets []string
}

func (f *fakeStore) ListProjects(ctx context.Context) ([]*store.Project, error) {
	return f.projects, nil
}

func (f *fakeStore) LastBuild(ctx context.Context, projectID string, before *store.Build) (*store.Build, error) {
	if f.lastBuildErr != nil {
		return nil, f.lastBuildErr
	}
	return f.lastBuild, nil
}

func (f *fakeStore) NonTerminalBuckets(ctx context.Context, buildID string) ([]*store.Bucket, error) {
	return f.nonTerminal, nil
}

func (f *fakeStore) WantsBuild(ctx context.Context, p *store.Project) (bool, error) {
	return f.wantsBuild, nil
}

func (f *fakeStore) MarkProcessingFailed(ctx context.Context, bucketID, reason string) error {
	if f.markedFailed == nil {
		f.markedFailed = map[string]string{}
	}
	f.markedFailed[bucketID] = reason
	return nil
}

func (f *fakeStore) UpdateProjectState(ctx context.Context, p *store.Project, consumedCommit string) error {
	if f.updatedState == nil {
		f.updatedState = map[string]string{}
	}
	f.updatedState[p.ID] = consumedCommit
	return nil
}

type fakeTx struct {
	store.Tx
}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

func (f *fakeStore) BeginTx(ctx context.Context) (store.Tx, error) {
	return fakeTx{}, nil
}

func (f *fakeStore) CreateBuild(ctx context.Context, tx store.DBTransaction, b *store.Build) error {
	return nil
}

func (f *fakeStore) CreateBucket(ctx context.Context, tx store.DBTransaction, bk *store.Bucket) error {
	f.createdBuckets = append(f.createdBuckets, bk.Name)
	return nil
}

type fakeProber struct {
	alive bool
	err   error
}

func (p *fakeProber) Processing(ctx context.Context, peerURI, bucketID string) (bool, error) {
	return p.alive, p.err
}

type noopReconnector struct{}

func (noopReconnector) Reopen(ctx context.Context) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newScanner(fs *fakeStore, prober livenessProber) *Scanner {
	q := queue.New()
	env := envelope.New(fs, fs, noopReconnector{}, notifyMailerNoop{}, "self-uri", func() string { return "" })
	var mu sync.Mutex
	return New(fs, q, env, prober, "self-uri", &mu, testLogger())
}

type notifyMailerNoop struct{}

func (notifyMailerNoop) FailureMessage(ctx context.Context, project, bucket, errorLog, guiURL string) error {
	return nil
}
func (notifyMailerNoop) FixedMessage(ctx context.Context, project, bucket, guiURL string) error {
	return nil
}
func (notifyMailerNoop) DCCMessage(ctx context.Context, subject, selfURI, leaderURI, report string) error {
	return nil
}

func TestScan_CreatesNewBuildWhenWanted(t *testing.T) {
	fs := &fakeStore{
		projects:     []*store.Project{{ID: "p1", Name: "proj", BucketNames: []string{"a", "b"}}},
		lastBuildErr: store.ErrNotFound,
		wantsBuild:   true,
	}
	s := newScanner(fs, &fakeProber{})

	s.Scan(context.Background())

	if len(fs.createdBuckets) != 2 {
		t.Fatalf("expected 2 buckets created, got %d", len(fs.createdBuckets))
	}
	if _, ok := fs.updatedState["p1"]; !ok {
		t.Error("expected project state to be updated")
	}
}

func TestScan_SkipsWhenProjectStillInBuild(t *testing.T) {
	fs := &fakeStore{
		projects:    []*store.Project{{ID: "p1", Name: "proj"}},
		lastBuild:   &store.Build{ID: "build-1"},
		nonTerminal: []*store.Bucket{{ID: "b1", BuildID: "build-1", Status: store.BucketStatusClaimed, WorkerURI: "worker-a"}},
		wantsBuild:  true,
	}
	s := newScanner(fs, &fakeProber{alive: true})

	s.Scan(context.Background())

	if len(fs.createdBuckets) != 0 {
		t.Errorf("expected no new buckets while still in build, got %d", len(fs.createdBuckets))
	}
}

func TestScan_MarksClaimedBucketFailedWhenProbeFails(t *testing.T) {
	fs := &fakeStore{
		projects:    []*store.Project{{ID: "p1", Name: "proj"}},
		lastBuild:   &store.Build{ID: "build-1"},
		nonTerminal: []*store.Bucket{{ID: "b1", BuildID: "build-1", Status: store.BucketStatusClaimed, WorkerURI: "worker-a"}},
		wantsBuild:  false,
	}
	s := newScanner(fs, &fakeProber{alive: false})

	s.Scan(context.Background())

	if _, ok := fs.markedFailed["b1"]; !ok {
		t.Error("expected bucket b1 to be marked processing_failed")
	}
}

func TestScan_MarksUnknownQueuedBucketFailed(t *testing.T) {
	fs := &fakeStore{
		projects:    []*store.Project{{ID: "p1", Name: "proj"}},
		lastBuild:   &store.Build{ID: "build-1"},
		nonTerminal: []*store.Bucket{{ID: "b1", BuildID: "build-1", Status: store.BucketStatusQueued}},
		wantsBuild:  false,
	}
	s := newScanner(fs, &fakeProber{})

	s.Scan(context.Background())

	if _, ok := fs.markedFailed["b1"]; !ok {
		t.Error("expected untracked queued bucket to be marked processing_failed")
	}
}
