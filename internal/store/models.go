// Package store contains the persistence layer for the distributed CI scheduler.
package store

import "time"

// BucketStatus is the state code of a Bucket, per the documented state machine:
//
//	queued(20) -> claimed(30) -> success(10)
//	                          -> failure(40)
//	                          -> processing_failed(35)
type BucketStatus int

const (
	BucketStatusSuccess          BucketStatus = 10
	BucketStatusQueued           BucketStatus = 20
	BucketStatusClaimed          BucketStatus = 30
	BucketStatusProcessingFailed BucketStatus = 35
	BucketStatusFailure          BucketStatus = 40
)

// Terminal reports whether the status cannot transition further.
func (s BucketStatus) Terminal() bool {
	switch s {
	case BucketStatusSuccess, BucketStatusFailure, BucketStatusProcessingFailed:
		return true
	default:
		return false
	}
}

func (s BucketStatus) String() string {
	switch s {
	case BucketStatusSuccess:
		return "success"
	case BucketStatusQueued:
		return "queued"
	case BucketStatusClaimed:
		return "claimed"
	case BucketStatusProcessingFailed:
		return "processing_failed"
	case BucketStatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Task is a single command run by the Task Runner as a child process.
type Task struct {
	Name    string
	Command []string
}

// Project is a source-controlled repository watched by the group.
type Project struct {
	ID        string
	Name      string
	SourceURL string

	// CurrentCommit is the latest commit the project adapter has observed
	// upstream; WantsBuild compares it against the last build's commit.
	CurrentCommit string

	// BucketNames enumerates the buckets a fresh Build should create, in
	// creation order.
	BucketNames []string

	// BeforeAllTasks run at most once per Build, shared across buckets.
	BeforeAllTasks []Task
	// BeforeBucketTasks run once per bucket before BucketTasks.
	BeforeBucketTasks []Task
	// BucketTasks is keyed by bucket name.
	BucketTasks map[string][]Task
	// AfterBucketTasks always run, regardless of earlier failures.
	AfterBucketTasks []Task

	// RuntimeVersions maps a bucket name to the language runtime version
	// its dependency bundle should be installed against.
	RuntimeVersions map[string]string
	// BucketGroupOf maps a bucket name to its bucket-group tag.
	BucketGroupOf map[string]string

	// BeforeAllCode and BeforeEachGroupCode are shell snippets invoked by
	// the executor's prepare step (see Executor.prepare).
	BeforeAllCode       string
	BeforeEachGroupCode string

	LastSystemError string
	NextBuildNumber int
}

// Build is one build attempt of a Project at a given commit.
type Build struct {
	ID          string
	ProjectID   string
	BuildNumber int
	Commit      string
	LeaderURI   string
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// Bucket is one named slice of a Build's task list.
type Bucket struct {
	ID             string
	BuildID        string
	Name           string
	Status         BucketStatus
	WorkerURI      string
	WorkerHostname string
	StartedAt      *time.Time
	FinishedAt     *time.Time
	Log            string
	ErrorLog       string
}

// LogFragment is an append-only chunk of output produced during task execution.
type LogFragment struct {
	ID        int64
	BucketID  string
	Content   string
	CreatedAt time.Time
}
