package executor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cidd/internal/envelope"
	"cidd/internal/notify"
	"cidd/internal/store"
)

// buildState is the per-worker memoisation cleared whenever the executor
// observes a new Build ID, so sibling buckets of the same build skip
// before-all tasks and per-group hooks their predecessors already ran.
type buildState struct {
	buildID                string
	preparedBucketGroups   map[string]bool
	bundledRuntimeVersions map[string]bool
	succeededBeforeAll     map[string]bool
}

func newBuildState(buildID string) *buildState {
	return &buildState{
		buildID:                buildID,
		preparedBucketGroups:   make(map[string]bool),
		bundledRuntimeVersions: make(map[string]bool),
		succeededBeforeAll:     make(map[string]bool),
	}
}

// Executor is the follower main loop: strictly sequential, one bucket at a
// time. It owns no internal concurrency, unlike a worker pool - the peer's
// poll loop is what decides when to call ProcessBucket again.
type Executor struct {
	store      store.Store
	taskRunner *TaskRunner
	envelope   *envelope.Envelope
	mailer     notify.Mailer
	chat       notify.ChatNotifier

	sourceSync SourceSync
	depInstall DependencyInstaller

	workDirRoot   string
	guiBaseURL    string
	bucketTimeout time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	current string

	state *buildState
}

// Config bundles Executor construction parameters that rarely vary per call.
type Config struct {
	WorkDirRoot   string
	GUIBaseURL    string
	BucketTimeout time.Duration
}

// New constructs an Executor.
func New(s store.Store, taskRunner *TaskRunner, env *envelope.Envelope, mailer notify.Mailer, chat notify.ChatNotifier, sourceSync SourceSync, depInstall DependencyInstaller, cfg Config, logger *slog.Logger) *Executor {
	timeout := cfg.BucketTimeout
	if timeout <= 0 {
		timeout = 7200 * time.Second
	}
	return &Executor{
		store:         s,
		taskRunner:    taskRunner,
		envelope:      env,
		mailer:        mailer,
		chat:          chat,
		sourceSync:    sourceSync,
		depInstall:    depInstall,
		workDirRoot:   cfg.WorkDirRoot,
		guiBaseURL:    cfg.GUIBaseURL,
		bucketTimeout: timeout,
		logger:        logger,
	}
}

// CurrentlyProcessing answers the Liveness Probe: does this peer believe it
// owns bucketID right now.
func (e *Executor) CurrentlyProcessing(bucketID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != "" && e.current == bucketID
}

func (e *Executor) setCurrent(id string) {
	e.mu.Lock()
	e.current = id
	e.mu.Unlock()
}

func (e *Executor) clearCurrent() {
	e.mu.Lock()
	e.current = ""
	e.mu.Unlock()
}

// ProcessBucket runs bucketID to completion: source sync, prepare, task
// execution, finalisation, and notification. It returns nothing: an
// infrastructure failure inside it (store unreachable, disconnect that
// survived the envelope's retries, a panic) is recorded by the envelope
// against the bucket, and task-level failures are captured as a terminal
// bucket status.
func (e *Executor) ProcessBucket(ctx context.Context, bucketID string) {
	_ = e.envelope.Run(ctx, envelope.BucketRef{BucketID: bucketID}, func(ctx context.Context) error {
		return e.processBucket(ctx, bucketID)
	})
}

func (e *Executor) processBucket(ctx context.Context, bucketID string) error {
	bk, err := e.store.GetBucket(ctx, bucketID)
	if err != nil {
		return fmt.Errorf("load bucket %s: %w", bucketID, err)
	}

	e.setCurrent(bk.ID)
	defer e.clearCurrent()

	build, err := e.store.GetBuild(ctx, bk.BuildID)
	if err != nil {
		return fmt.Errorf("load build %s: %w", bk.BuildID, err)
	}
	project, err := e.store.GetProject(ctx, build.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", build.ProjectID, err)
	}

	workDir := filepath.Join(e.workDirRoot, project.Name)

	runCtx, cancel := context.WithTimeout(ctx, e.bucketTimeout)
	var status store.BucketStatus
	sanitizeErr := WithSanitizedEnv(func() error {
		status = e.runBucket(runCtx, project, build, bk, workDir)
		return nil
	})
	cancel()
	if sanitizeErr != nil {
		return sanitizeErr
	}

	if err := e.finalize(ctx, bk, status); err != nil {
		return fmt.Errorf("finalize bucket %s: %w", bk.ID, err)
	}

	if err := e.store.MaybeFinishBuild(ctx, build.ID); err != nil {
		e.logger.Error("failed to check build completion", "build_id", build.ID, "error", err)
	}

	e.notifyOutcome(ctx, project, build, bk, status)
	return nil
}

// runBucket performs source sync, prepare, and task execution, and returns
// the terminal status. It never returns an error: every failure along the
// way degrades to BucketStatusFailure with an explanatory log fragment.
func (e *Executor) runBucket(ctx context.Context, project *store.Project, build *store.Build, bk *store.Bucket, workDir string) store.BucketStatus {
	if err := e.sourceSync.Sync(ctx, workDir, project.SourceURL, build.Commit); err != nil {
		e.appendLog(ctx, bk.ID, fmt.Sprintf("source sync failed: %v", err))
		return store.BucketStatusFailure
	}

	if !e.prepare(ctx, project, build, bk, workDir) {
		return store.BucketStatusFailure
	}

	return e.runTaskLists(ctx, project, bk, workDir)
}

// prepare resets per-build memoisation on a fresh Build ID, runs the
// before-all hook at most once per Build, installs dependencies at most
// once per runtime version, and runs the before-each-group hook at most
// once per bucket group.
func (e *Executor) prepare(ctx context.Context, project *store.Project, build *store.Build, bk *store.Bucket, workDir string) bool {
	if e.state == nil || e.state.buildID != build.ID {
		e.state = newBuildState(build.ID)
		if err := e.runHookCode(ctx, bk.ID, workDir, "before-all", project.BeforeAllCode); err != nil {
			e.appendLog(ctx, bk.ID, fmt.Sprintf("before-all hook failed: %v", err))
			return false
		}
	}

	if version := project.RuntimeVersions[bk.Name]; version != "" && !e.state.bundledRuntimeVersions[version] {
		if err := e.depInstall.Install(ctx, workDir, version); err != nil {
			e.appendLog(ctx, bk.ID, fmt.Sprintf("dependency install failed: %v", err))
			return false
		}
		e.state.bundledRuntimeVersions[version] = true
	}

	if group := project.BucketGroupOf[bk.Name]; group != "" && !e.state.preparedBucketGroups[group] {
		if err := e.runHookCode(ctx, bk.ID, workDir, "before-each-group", project.BeforeEachGroupCode); err != nil {
			e.appendLog(ctx, bk.ID, fmt.Sprintf("before-each-group hook failed: %v", err))
			return false
		}
		e.state.preparedBucketGroups[group] = true
	}

	return true
}

// runHookCode invokes a shell snippet through the Task Runner, so hook
// output is captured in the bucket's log the same way a regular task's is.
func (e *Executor) runHookCode(ctx context.Context, bucketID, workDir, name, code string) error {
	if code == "" {
		return nil
	}
	res := e.taskRunner.Run(ctx, bucketID, store.Task{Name: name, Command: []string{"sh", "-c", code}}, nil, workDir)
	if res.Error != nil {
		return res.Error
	}
	if !res.Succeeded() {
		return fmt.Errorf("%s exited %d (signal %d)", name, res.ExitCode, res.Signal)
	}
	return nil
}

// runTaskLists runs before_all_tasks \ already_succeeded, then
// before_bucket_tasks, then bucket_tasks, then after_bucket_tasks. The
// first three short-circuit on failure; after_bucket_tasks always runs.
func (e *Executor) runTaskLists(ctx context.Context, project *store.Project, bk *store.Bucket, workDir string) store.BucketStatus {
	beforeAll := remainingTasks(project.BeforeAllTasks, e.state.succeededBeforeAll)

	ok := e.runTasks(ctx, bk.ID, beforeAll, workDir)
	if ok {
		for _, t := range project.BeforeAllTasks {
			e.state.succeededBeforeAll[t.Name] = true
		}
	}

	if ok {
		ok = e.runTasks(ctx, bk.ID, project.BeforeBucketTasks, workDir)
	}
	if ok {
		ok = e.runTasks(ctx, bk.ID, project.BucketTasks[bk.Name], workDir)
	}

	afterOK := e.runTasks(ctx, bk.ID, project.AfterBucketTasks, workDir)

	if ok && afterOK {
		return store.BucketStatusSuccess
	}
	return store.BucketStatusFailure
}

func (e *Executor) runTasks(ctx context.Context, bucketID string, tasks []store.Task, workDir string) bool {
	for _, t := range tasks {
		res := e.taskRunner.Run(ctx, bucketID, t, nil, workDir)
		if !res.Succeeded() {
			return false
		}
	}
	return true
}

// remainingTasks drops tasks already recorded successful by a sibling
// bucket of the same build.
func remainingTasks(tasks []store.Task, succeeded map[string]bool) []store.Task {
	out := make([]store.Task, 0, len(tasks))
	for _, t := range tasks {
		if !succeeded[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

func (e *Executor) appendLog(ctx context.Context, bucketID, msg string) {
	if err := e.store.AppendLogFragment(ctx, bucketID, msg+"\n"); err != nil {
		e.logger.Error("failed to append log fragment", "bucket_id", bucketID, "error", err)
	}
}

// finalize concatenates the bucket's log fragments, clears error_log, and
// persists the terminal status.
func (e *Executor) finalize(ctx context.Context, bk *store.Bucket, status store.BucketStatus) error {
	fragments, err := e.store.LogFragments(ctx, bk.ID)
	if err != nil {
		return fmt.Errorf("load log fragments: %w", err)
	}

	var sb strings.Builder
	for _, f := range fragments {
		sb.WriteString(f.Content)
	}

	bk.Log = sb.String()
	bk.ErrorLog = ""
	bk.Status = status
	return e.store.FinishBucket(ctx, bk)
}

// notifyOutcome fires mail/chat on a failure, or on a repair (a success
// following a prior Build's non-success status for the same-named bucket).
// Any other success is silent.
func (e *Executor) notifyOutcome(ctx context.Context, project *store.Project, build *store.Build, bk *store.Bucket, status store.BucketStatus) {
	guiURL := fmt.Sprintf("%s/projects/%s/builds/%d", e.guiBaseURL, project.Name, build.BuildNumber)

	switch status {
	case store.BucketStatusFailure:
		if err := e.mailer.FailureMessage(ctx, project.Name, bk.Name, bk.Log, guiURL); err != nil {
			e.logger.Error("failed to send failure mail", "bucket_id", bk.ID, "error", err)
		}
		if e.chat != nil {
			if err := e.chat.NotifyFailed(ctx, project.Name, bk.Name, guiURL, ""); err != nil {
				e.logger.Error("failed to send failure chat notification", "bucket_id", bk.ID, "error", err)
			}
		}
	case store.BucketStatusSuccess:
		if !e.isRepair(ctx, project, build, bk) {
			return
		}
		if err := e.mailer.FixedMessage(ctx, project.Name, bk.Name, guiURL); err != nil {
			e.logger.Error("failed to send fixed mail", "bucket_id", bk.ID, "error", err)
		}
		if e.chat != nil {
			if err := e.chat.NotifyRepaired(ctx, project.Name, bk.Name, guiURL, ""); err != nil {
				e.logger.Error("failed to send repaired chat notification", "bucket_id", bk.ID, "error", err)
			}
		}
	}
}

func (e *Executor) isRepair(ctx context.Context, project *store.Project, build *store.Build, bk *store.Bucket) bool {
	prior, err := e.store.LastBuild(ctx, project.ID, build)
	if err != nil {
		return false
	}
	siblings, err := e.store.BucketsForBuild(ctx, prior.ID)
	if err != nil {
		return false
	}
	for _, sib := range siblings {
		if sib.Name == bk.Name {
			return sib.Status != store.BucketStatusSuccess
		}
	}
	return false
}
