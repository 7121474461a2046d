// Package queue implements the leader's in-memory bucket queue: per-project
// FIFO ordering with round-robin fairness across requestor URIs.
package queue

import "sync"

// projectQueue is one project's FIFO of queued bucket IDs.
type projectQueue struct {
	ids []string
}

func (q *projectQueue) pop() (string, bool) {
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id, true
}

// BucketQueue holds every queued bucket ID, grouped by project, and hands
// them out fairly across requestor URIs. It is not durable: a new leader
// rebuilds it by re-scanning the store, never by replaying a log.
type BucketQueue struct {
	mu          sync.Mutex
	projects    map[string]*projectQueue
	projectList []string       // insertion order, for round-robin project rotation
	lastServed  map[string]int // requestor URI -> index into projectList last served from
}

// New creates an empty BucketQueue.
func New() *BucketQueue {
	return &BucketQueue{
		projects:   make(map[string]*projectQueue),
		lastServed: make(map[string]int),
	}
}

// SetBuckets replaces the queued IDs for one project, preserving the given
// order. Called by the scanner after creating a new Build's buckets, or
// when rebuilding state on becoming leader.
func (q *BucketQueue) SetBuckets(projectName string, bucketIDs []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.projects[projectName]; !exists {
		q.projectList = append(q.projectList, projectName)
	}
	q.projects[projectName] = &projectQueue{ids: append([]string(nil), bucketIDs...)}
}

// Reset discards all queued state. Called when a peer loses leadership: the
// next leader rebuilds the queue from the store rather than trusting stale
// in-memory state.
func (q *BucketQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.projects = make(map[string]*projectQueue)
	q.projectList = nil
	q.lastServed = make(map[string]int)
}

// Empty reports whether every project queue is drained.
func (q *BucketQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, pq := range q.projects {
		if len(pq.ids) > 0 {
			return false
		}
	}
	return true
}

// Contains reports whether bucketID is still queued for projectName. The
// scanner uses this during its confirmation walk: a queued bucket the
// in-memory queue doesn't know about means a previous leader vanished
// mid-enqueue.
func (q *BucketQueue) Contains(projectName, bucketID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	pq, ok := q.projects[projectName]
	if !ok {
		return false
	}
	for _, id := range pq.ids {
		if id == bucketID {
			return true
		}
	}
	return false
}

// NextBucket pops one bucket ID for requestorURI, rotating across projects
// so the same requestor is never starved and the same bucket is never
// handed to two requestors.
func (q *BucketQueue) NextBucket(requestorURI string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.projectList) == 0 {
		return "", false
	}

	start := q.lastServed[requestorURI] % len(q.projectList)
	for i := 0; i < len(q.projectList); i++ {
		idx := (start + i) % len(q.projectList)
		name := q.projectList[idx]
		pq, ok := q.projects[name]
		if !ok {
			continue
		}
		if id, popped := pq.pop(); popped {
			q.lastServed[requestorURI] = idx + 1
			return id, true
		}
	}
	return "", false
}
