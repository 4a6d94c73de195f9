package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/secondlayer/streams/internal/log"
	"github.com/secondlayer/streams/internal/parse"
)

// sourceHeader marks self-sourced replays so the tip-follower clock is
// not reset by our own traffic.
const sourceHeader = "X-Source"

// Server is the indexer's HTTP ingest listener.
type Server struct {
	ix  *Indexer
	srv *http.Server
}

// NewServer builds the HTTP surface: block ingest, health, metrics, and
// manual backfill.
func NewServer(ix *Indexer, port int) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/new_block", ix.handleNewBlock)
	r.Post("/backfill", ix.handleBackfill)
	r.Get("/health", ix.handleHealth)
	r.Get("/health/integrity", ix.handleIntegrityHealth)
	r.Handle("/metrics", promhttp.HandlerFor(ix.metrics.Registry, promhttp.HandlerOpts{}))

	// The upstream node posts these to every registered observer. Accept
	// and discard; only new_block feeds the pipeline.
	for _, path := range []string{"/new_burn_block", "/new_mempool_tx", "/drop_mempool_tx", "/attachments/new"} {
		r.Post(path, handleIgnored)
	}

	return &Server{
		ix: ix,
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until Shutdown. Blocks; run it in a goroutine.
func (s *Server) Start() error {
	log.HTTP.Info().Str("addr", s.srv.Addr).Msg("ingest listener started")
	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (ix *Indexer) handleNewBlock(w http.ResponseWriter, r *http.Request) {
	var bp parse.BlockPayload
	if err := json.NewDecoder(r.Body).Decode(&bp); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		return
	}

	opts := IngestOptions{SelfSourced: r.Header.Get(sourceHeader) != ""}
	res, err := ix.IngestBlock(r.Context(), &bp, opts)
	if err != nil {
		log.HTTP.Error().Err(err).Int64("height", bp.BlockHeight).Msg("ingest failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if res.Status == StatusDuplicate {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  StatusDuplicate,
			"message": "duplicate",
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (ix *Indexer) handleBackfill(w http.ResponseWriter, r *http.Request) {
	from, err1 := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	to, err2 := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "from and to query params required")
		return
	}

	replayed, err := ix.Backfill(r.Context(), from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":   "error",
			"message":  err.Error(),
			"replayed": replayed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": StatusOK, "replayed": replayed})
}

func (ix *Indexer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pool := ix.db.Pool()

	progress, err := ix.db.GetProgress(ctx, pool, ix.network)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	jobs, err := ix.db.CountJobs(ctx, pool)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	// The highest pushed height this process saw; a fresh process falls
	// back to the durable watermark.
	lastSeen := ix.lastReceived.Load()
	if lastSeen == 0 {
		lastSeen = progress.HighestSeen
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":                      "healthy",
		"network":                     ix.network,
		"tipFollower":                 ix.Mode(),
		"lastSeenHeight":              lastSeen,
		"lastBlockReceivedSecondsAgo": int64(ix.sinceLastPush().Seconds()),
		"blocksReceivedOutOfOrder":    ix.outOfOrder.Load(),
		"blocksFetchedViaPoll":        ix.polled.Load(),
		"jobs":                        jobs,
	})
}

func (ix *Indexer) handleIntegrityHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pool := ix.db.Pool()

	progress, err := ix.db.GetProgress(ctx, pool, ix.network)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	gaps, missing, err := ix.db.FindGaps(ctx, pool, gapReportLimit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	status := "healthy"
	switch {
	case len(gaps) > 0:
		status = "gaps_detected"
	case progress.LastContiguous < progress.LastIndexed:
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":              status,
		"lastContiguousBlock": progress.LastContiguous,
		"lastIndexedBlock":    progress.LastIndexed,
		"gapCount":            len(gaps),
		"totalMissingBlocks":  missing,
		"autoBackfillEnabled": ix.cfg.AutoBackfill,
		"autoBackfillProgress": map[string]any{
			"remaining":  missing,
			"inProgress": ix.backfilling.Load(),
		},
	})
}

func handleIgnored(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.HTTP.Error().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}
