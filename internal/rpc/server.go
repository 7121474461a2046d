// Package rpc implements the peer-to-peer Assignment RPC and Liveness
// Probe. Every peer runs both the server (to answer as leader or as the
// bucket owner) and the client (to ask the leader for work).
package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cidd/internal/queue"
	"cidd/internal/store"
	"cidd/pkg/api"
)

// currentBucketReader answers whether this peer currently owns bucketID,
// backed by the Build Executor's currently_processed_bucket_id.
type currentBucketReader interface {
	CurrentlyProcessing(bucketID string) bool
}

// Server exposes the Assignment RPC and Liveness Probe over HTTP. It only
// answers next-bucket requests meaningfully while this peer is leader; the
// mutex passed in is the same one the scanner locks during its walk.
type Server struct {
	httpServer          *http.Server
	mu                  Locker
	queue               *queue.BucketQueue
	buckets             store.BucketStore
	builds              store.BuildStore
	isLeader            func() bool
	backOffSeconds      int
	currentlyProcessing currentBucketReader
	logger              *slog.Logger

	limiters  sync.Map // requestor URI -> *rate.Limiter
	rateLimit rate.Limit
	rateBurst int
}

// Locker is satisfied by *sync.Mutex; it is the mutex shared with the
// scanner and bucket queue.
type Locker interface {
	Lock()
	Unlock()
}

// Config configures a Server.
type Config struct {
	Addr           string
	BackOffSeconds int

	// RequestorRateLimit caps how often a single requestor URI may call
	// next-bucket, in requests per second; 0 disables the limit.
	RequestorRateLimit float64
	RequestorRateBurst int
}

// New constructs the Assignment RPC / Liveness Probe HTTP server.
func New(cfg Config, mu Locker, q *queue.BucketQueue, buckets store.BucketStore, builds store.BuildStore, isLeader func() bool, currentlyProcessing currentBucketReader, logger *slog.Logger) *Server {
	if cfg.BackOffSeconds <= 0 {
		cfg.BackOffSeconds = 30
	}
	if cfg.RequestorRateBurst <= 0 {
		cfg.RequestorRateBurst = 1
	}

	s := &Server{
		mu:                  mu,
		queue:               q,
		buckets:             buckets,
		builds:              builds,
		isLeader:            isLeader,
		backOffSeconds:      cfg.BackOffSeconds,
		currentlyProcessing: currentlyProcessing,
		logger:              logger,
		rateLimit:           rate.Limit(cfg.RequestorRateLimit),
		rateBurst:           cfg.RequestorRateBurst,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc/next-bucket", s.handleNextBucket)
	mux.HandleFunc("GET /rpc/processing/{bucket_id}", s.handleProcessing)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run starts the HTTP server, blocking until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// handleNextBucket implements the Assignment RPC leader endpoint.
func (s *Server) handleNextBucket(w http.ResponseWriter, r *http.Request) {
	var req api.NextBucketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Smear concurrent callers so they don't all hit the mutex at once.
	jitter := time.Duration(rand.Intn(2000)) * time.Millisecond
	select {
	case <-time.After(jitter):
	case <-r.Context().Done():
		return
	}

	if !s.isLeader() {
		writeJSON(w, http.StatusOK, api.NextBucketResponse{BackOffSeconds: s.backOffSeconds})
		return
	}

	if !s.allow(req.RequestorURI) {
		writeJSON(w, http.StatusOK, api.NextBucketResponse{BackOffSeconds: s.backOffSeconds})
		return
	}

	s.mu.Lock()
	bucketID, ok := s.queue.NextBucket(req.RequestorURI)
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusOK, api.NextBucketResponse{BackOffSeconds: s.backOffSeconds})
		return
	}

	ctx := r.Context()
	if err := s.buckets.ClaimBucket(ctx, bucketID, req.RequestorURI, req.Hostname); err != nil {
		s.logger.Error("failed to claim bucket", "bucket_id", bucketID, "error", err)
		writeJSON(w, http.StatusOK, api.NextBucketResponse{BackOffSeconds: s.backOffSeconds})
		return
	}

	if bk, err := s.buckets.GetBucket(ctx, bucketID); err == nil {
		if err := s.builds.SetBuildStarted(ctx, bk.BuildID); err != nil {
			s.logger.Error("failed to set build started", "build_id", bk.BuildID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, api.NextBucketResponse{BucketID: bucketID})
}

// allow reports whether requestorURI may make another next-bucket call
// right now, guarding the leader against a follower stuck in a tight retry
// loop. Disabled when rateLimit is zero.
func (s *Server) allow(requestorURI string) bool {
	if s.rateLimit <= 0 {
		return true
	}
	v, _ := s.limiters.LoadOrStore(requestorURI, rate.NewLimiter(s.rateLimit, s.rateBurst))
	return v.(*rate.Limiter).Allow()
}

// handleProcessing implements the Liveness Probe.
func (s *Server) handleProcessing(w http.ResponseWriter, r *http.Request) {
	bucketID := r.PathValue("bucket_id")
	processing := s.currentlyProcessing != nil && s.currentlyProcessing.CurrentlyProcessing(bucketID)
	writeJSON(w, http.StatusOK, api.ProcessingResponse{Processing: processing})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, api.ErrorResponse{Error: message})
}
