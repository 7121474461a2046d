// Package executor runs one bucket's task list to completion: starting a
// child process per task, reaping it without blocking the log tail, and
// feeding the chunks it produces into the log store as they arrive.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cidd/internal/executor/runtime"
	"cidd/internal/store"
)

// sigAbort is the signal number the Task Runner retries exactly once.
const sigAbort = 6

// logPathProvider is implemented by runtime handles that write to a local
// file the Task Runner can tail by byte offset (the exec backend). Handles
// without a local file (docker, kubernetes) are tailed by streaming instead.
type logPathProvider interface {
	LogPath() string
}

// dbReconnector is satisfied by the postgres Store. The Task Runner closes
// the pool before starting a task's child process and reopens it
// immediately after, in the parent, so the child does not inherit the
// parent's open sockets.
type dbReconnector interface {
	Close() error
	Reopen(ctx context.Context) error
}

// TaskRunner executes a single Task as an isolated child process, streaming
// its output into the log store in near-real time.
type TaskRunner struct {
	rt           runtime.Runtime
	logs         store.LogStore
	db           dbReconnector
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewTaskRunner creates a TaskRunner backed by rt, appending log fragments
// to logs every pollInterval. db may be nil, in which case the pool is
// never closed/reopened around a task start (used in tests, where there is
// no real connection pool to protect).
func NewTaskRunner(rt runtime.Runtime, logs store.LogStore, db dbReconnector, pollInterval time.Duration, logger *slog.Logger) *TaskRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &TaskRunner{rt: rt, logs: logs, db: db, pollInterval: pollInterval, logger: logger}
}

// TaskResult is the terminal outcome of running one task, including whether
// a SIGABRT retry was consumed.
type TaskResult struct {
	ExitCode int
	Signal   int
	Retried  bool
	Error    error
}

// Succeeded reports whether the task finished with a zero exit code and no
// unhandled signal.
func (r TaskResult) Succeeded() bool {
	return r.Error == nil && r.ExitCode == 0 && r.Signal == 0
}

// Run starts task, tails its output into the log store, and reaps it. A
// child that dies from SIGABRT is restarted exactly once; any other
// terminating signal or nonzero exit is final.
func (tr *TaskRunner) Run(ctx context.Context, bucketID string, task store.Task, env map[string]string, workDir string) TaskResult {
	retried := false

	for attempt := 1; attempt <= 2; attempt++ {
		res, err := tr.runOnce(ctx, bucketID, task, env, workDir)
		if err != nil {
			return TaskResult{ExitCode: -1, Error: err, Retried: retried}
		}
		if res.Signal == sigAbort && attempt == 1 {
			retried = true
			tr.logger.Warn("task aborted, retrying once", "bucket_id", bucketID, "task", task.Name)
			continue
		}
		return TaskResult{ExitCode: res.ExitCode, Signal: res.Signal, Retried: retried}
	}

	// unreachable, but keeps the compiler happy about the loop exit
	return TaskResult{ExitCode: -1, Retried: retried}
}

func (tr *TaskRunner) runOnce(ctx context.Context, bucketID string, task store.Task, env map[string]string, workDir string) (runtime.ExitResult, error) {
	if tr.db != nil {
		if err := tr.db.Close(); err != nil {
			tr.logger.Error("failed to close db pool before task start", "task", task.Name, "error", err)
		}
	}

	handle, startErr := tr.rt.Start(ctx, runtime.StartOptions{
		Name:    task.Name,
		Command: task.Command,
		Env:     env,
		WorkDir: workDir,
	})

	if tr.db != nil {
		if err := tr.db.Reopen(ctx); err != nil {
			tr.logger.Error("failed to reopen db pool after task start", "task", task.Name, "error", err)
		}
	}

	if startErr != nil {
		return runtime.ExitResult{}, fmt.Errorf("start task %s: %w", task.Name, startErr)
	}

	resultCh := make(chan runtime.ExitResult, 1)
	go func() {
		res, _ := handle.Wait(ctx)
		resultCh <- res
	}()

	ticker := time.NewTicker(tr.pollInterval)
	defer ticker.Stop()

	var offset int64
	for {
		select {
		case res := <-resultCh:
			tr.tail(ctx, handle, bucketID, &offset)
			tr.cleanup(handle)
			return res, nil
		case <-ticker.C:
			tr.tail(ctx, handle, bucketID, &offset)
		case <-ctx.Done():
			_ = handle.Stop(context.Background())
			tr.cleanup(handle)
			return runtime.ExitResult{}, ctx.Err()
		}
	}
}

// cleanup deletes the handle's local log file, if it has one, once the
// Task Runner has drained it for the last time.
func (tr *TaskRunner) cleanup(handle runtime.Handle) {
	lp, ok := handle.(logPathProvider)
	if !ok {
		return
	}
	if err := os.Remove(lp.LogPath()); err != nil && !os.IsNotExist(err) {
		tr.logger.Error("failed to remove task log file", "path", lp.LogPath(), "error", err)
	}
}

// tail reads whatever new bytes have appeared since offset and appends them
// to the log store as one fragment, advancing offset. Handles that expose a
// local log file are read by byte offset; others are drained once via
// StreamLogs.
func (tr *TaskRunner) tail(ctx context.Context, handle runtime.Handle, bucketID string, offset *int64) {
	lp, ok := handle.(logPathProvider)
	if !ok {
		tr.tailStream(ctx, handle, bucketID)
		return
	}

	f, err := os.Open(lp.LogPath())
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(*offset, io.SeekStart); err != nil {
		return
	}

	chunk, err := io.ReadAll(f)
	if err != nil || len(chunk) == 0 {
		return
	}
	*offset += int64(len(chunk))

	tr.appendFragment(ctx, bucketID, chunk)
}

// tailStream drains the remaining output of a streaming handle (docker,
// kubernetes) once, rather than tracking a byte offset into a local file.
func (tr *TaskRunner) tailStream(ctx context.Context, handle runtime.Handle, bucketID string) {
	r, err := handle.StreamLogs(ctx)
	if err != nil {
		return
	}
	defer r.Close()

	buf := make([]byte, 32*1024)
	n, _ := r.Read(buf)
	if n == 0 {
		return
	}
	tr.appendFragment(ctx, bucketID, buf[:n])
}

func (tr *TaskRunner) appendFragment(ctx context.Context, bucketID string, chunk []byte) {
	text := transcodeLatin1(chunk)
	if text == "" {
		return
	}
	if err := tr.logs.AppendLogFragment(ctx, bucketID, text); err != nil {
		tr.logger.Error("failed to append log fragment", "bucket_id", bucketID, "error", err)
	}
}

// transcodeLatin1 reinterprets raw bytes as ISO-8859-1 and re-encodes them
// as UTF-8, since task output arrives in whatever encoding the invoked tool
// chose to write. Embedded NUL bytes are dropped; they never belong in
// displayable log text and otherwise truncate naive viewers.
func transcodeLatin1(raw []byte) string {
	var buf bytes.Buffer
	buf.Grow(len(raw))
	for _, b := range raw {
		if b == 0 {
			continue
		}
		buf.WriteRune(rune(b))
	}
	return buf.String()
}
