// Package scanner implements the leader-only Project Scanner: it decides
// which projects need a new Build and reconciles the status of buckets left
// over from a vanished leader or a dead worker.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"cidd/internal/envelope"
	"cidd/internal/queue"
	"cidd/internal/store"
)

// livenessProber answers whether a peer still believes it owns a bucket.
type livenessProber interface {
	Processing(ctx context.Context, peerURI, bucketID string) (bool, error)
}

// Scanner walks every configured project on each leader tick.
type Scanner struct {
	store    store.Store
	queue    *queue.BucketQueue
	envelope *envelope.Envelope
	prober   livenessProber
	selfURI  string
	mu       *sync.Mutex
	logger   *slog.Logger
}

// New constructs a Scanner. mu is the mutex shared with the Assignment RPC
// server and the BucketQueue it guards.
func New(s store.Store, q *queue.BucketQueue, env *envelope.Envelope, prober livenessProber, selfURI string, mu *sync.Mutex, logger *slog.Logger) *Scanner {
	return &Scanner{store: s, queue: q, envelope: env, prober: prober, selfURI: selfURI, mu: mu, logger: logger}
}

// Scan walks every project once.
func (s *Scanner) Scan(ctx context.Context) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		s.logger.Error("failed to list projects", "error", err)
		return
	}
	for _, p := range projects {
		s.scanProject(ctx, p)
	}
}

func (s *Scanner) scanProject(ctx context.Context, p *store.Project) {
	_ = s.envelope.Run(ctx, envelope.ProjectRef{ProjectID: p.ID}, func(ctx context.Context) error {
		return s.scanProjectInner(ctx, p)
	})
}

func (s *Scanner) scanProjectInner(ctx context.Context, p *store.Project) error {
	lastBuild, err := s.store.LastBuild(ctx, p.ID, nil)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	inBuild := false
	if lastBuild != nil {
		nonTerminal, err := s.store.NonTerminalBuckets(ctx, lastBuild.ID)
		if err != nil {
			return err
		}
		alive := s.confirmBuckets(ctx, p.Name, nonTerminal)
		inBuild = alive > 0
	}
	if inBuild {
		return nil
	}

	wants, err := s.store.WantsBuild(ctx, p)
	if err != nil {
		return err
	}
	if !wants {
		return nil
	}

	return s.createBuild(ctx, p)
}

// confirmBuckets walks non-terminal buckets of the latest Build, marking
// inconsistent or unreachable ones processing_failed, and returns how many
// are confirmed still alive.
func (s *Scanner) confirmBuckets(ctx context.Context, projectName string, buckets []*store.Bucket) int {
	alive := 0
	for _, bk := range buckets {
		switch bk.Status {
		case store.BucketStatusQueued:
			s.mu.Lock()
			known := s.queue.Contains(projectName, bk.ID)
			s.mu.Unlock()
			if !known {
				s.markFailed(ctx, bk.ID, "queued bucket not tracked by the current leader")
				continue
			}
			alive++
		case store.BucketStatusClaimed:
			if !s.probeAlive(ctx, bk) {
				s.markFailed(ctx, bk.ID, "worker did not confirm ownership")
				continue
			}
			alive++
		}
	}
	return alive
}

func (s *Scanner) probeAlive(ctx context.Context, bk *store.Bucket) bool {
	if bk.WorkerURI == "" {
		return false
	}
	processing, err := s.prober.Processing(ctx, bk.WorkerURI, bk.ID)
	if err != nil {
		s.logger.Warn("liveness probe failed", "bucket_id", bk.ID, "worker_uri", bk.WorkerURI, "error", err)
		return false
	}
	return processing
}

func (s *Scanner) markFailed(ctx context.Context, bucketID, reason string) {
	_ = s.envelope.Run(ctx, envelope.BucketRef{BucketID: bucketID}, func(ctx context.Context) error {
		return fmt.Errorf("%s", reason)
	})
}

func (s *Scanner) createBuild(ctx context.Context, p *store.Project) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	build := &store.Build{
		ID:          uuid.NewString(),
		ProjectID:   p.ID,
		BuildNumber: p.NextBuildNumber,
		Commit:      p.CurrentCommit,
		LeaderURI:   s.selfURI,
	}
	if err := s.store.CreateBuild(ctx, tx, build); err != nil {
		return fmt.Errorf("create build for project %s: %w", p.ID, err)
	}

	bucketIDs := make([]string, 0, len(p.BucketNames))
	for _, name := range p.BucketNames {
		bk := &store.Bucket{ID: uuid.NewString(), BuildID: build.ID, Name: name}
		if err := s.store.CreateBucket(ctx, tx, bk); err != nil {
			return fmt.Errorf("create bucket %s/%s: %w", build.ID, name, err)
		}
		bucketIDs = append(bucketIDs, bk.ID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit new build for project %s: %w", p.ID, err)
	}

	s.mu.Lock()
	s.queue.SetBuckets(p.Name, bucketIDs)
	s.mu.Unlock()

	return s.store.UpdateProjectState(ctx, p, p.CurrentCommit)
}
