// Package envelope is the single error-classification choke point: every
// externally invoked block runs inside Run, which retries transient
// database disconnects and classifies any surviving error by context.
package envelope

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"cidd/internal/notify"
	"cidd/internal/store"
)

// Ref identifies what a failure should be attributed to.
type Ref interface {
	isRef()
}

// BucketRef attributes a failure to a specific bucket: it is marked
// processing_failed and the error is appended to its log.
type BucketRef struct {
	BucketID string
}

func (BucketRef) isRef() {}

// ProjectRef attributes a failure to a project scan, recording it as the
// project's last system error.
type ProjectRef struct {
	ProjectID string
}

func (ProjectRef) isRef() {}

// AdminRef attributes a failure to the operator, triggering an email with
// the current and known-leader URIs and a stack trace.
type AdminRef struct {
	Subject string
}

func (AdminRef) isRef() {}

// Reconnector reopens the underlying database connection pool. The
// envelope calls this between retries of a disconnect-classified error.
type Reconnector interface {
	Reopen(ctx context.Context) error
}

// Envelope wraps fallible operations with reconnect retry and failure
// classification.
type Envelope struct {
	buckets     store.BucketStore
	projects    store.ProjectStore
	reconnector Reconnector
	mailer      notify.Mailer

	selfURI   string
	leaderURI func() string

	reconnectDelay time.Duration
}

// New constructs an Envelope. leaderURI is called lazily so the envelope
// always reports the most current known leader in operator mail.
func New(buckets store.BucketStore, projects store.ProjectStore, reconnector Reconnector, mailer notify.Mailer, selfURI string, leaderURI func() string) *Envelope {
	return &Envelope{
		buckets:        buckets,
		projects:       projects,
		reconnector:    reconnector,
		mailer:         mailer,
		selfURI:        selfURI,
		leaderURI:      leaderURI,
		reconnectDelay: 3 * time.Second,
	}
}

// Run invokes fn, retrying up to twice on a detected database disconnect,
// and classifies any surviving error against ref. It always produces
// exactly one record: either fn succeeds, or exactly one bucket/project/mail
// failure record is written.
func (e *Envelope) Run(ctx context.Context, ref Ref, fn func(ctx context.Context) error) error {
	err := e.callRecovering(ctx, fn)

retry:
	for attempt := 0; attempt < 2 && err != nil && isDisconnectError(err); attempt++ {
		select {
		case <-time.After(e.reconnectDelay):
		case <-ctx.Done():
			break retry
		}
		if reopenErr := e.reconnector.Reopen(ctx); reopenErr != nil {
			err = reopenErr
			continue
		}
		err = e.callRecovering(ctx, fn)
	}

	if err == nil {
		return nil
	}

	e.classify(ctx, ref, err)
	return err
}

func (e *Envelope) callRecovering(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func (e *Envelope) classify(ctx context.Context, ref Ref, err error) {
	switch r := ref.(type) {
	case BucketRef:
		if markErr := e.buckets.MarkProcessingFailed(ctx, r.BucketID, err.Error()); markErr != nil {
			e.notifyAdmin(ctx, fmt.Sprintf("failed to mark bucket %s processing_failed", r.BucketID), markErr)
		}
	case ProjectRef:
		if setErr := e.projects.SetLastSystemError(ctx, r.ProjectID, err.Error()); setErr != nil {
			e.notifyAdmin(ctx, fmt.Sprintf("failed to record system error for project %s", r.ProjectID), setErr)
		}
	case AdminRef:
		e.notifyAdmin(ctx, r.Subject, err)
	}
}

func (e *Envelope) notifyAdmin(ctx context.Context, subject string, err error) {
	if e.mailer == nil {
		return
	}
	leader := ""
	if e.leaderURI != nil {
		leader = e.leaderURI()
	}
	_ = e.mailer.DCCMessage(ctx, subject, e.selfURI, leader, err.Error())
}

// isDisconnectError recognises the transient "server gone away" family:
// a dropped connection is not a processing failure, it is retried silently.
func isDisconnectError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "server gone away") ||
		strings.Contains(msg, "bad connection") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof")
}
