package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/tally/internal/actor"
	"github.com/dreamware/tally/internal/cluster"
	"github.com/dreamware/tally/internal/dispatch"
	"github.com/dreamware/tally/internal/global"
	"github.com/dreamware/tally/internal/logging"
	"github.com/dreamware/tally/internal/mirror"
	"github.com/dreamware/tally/internal/shard"
)

// maxBody bounds every request body.
const maxBody = 1 << 20

// server holds the HTTP handlers of counterd.
type server struct {
	reg     *dispatch.Registry
	mirror  mirror.Reader
	monitor *dispatch.UpstreamMonitor // nil without a remote aggregator
	log     logr.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /increment/{partition}/{counter}", s.handleIncrement)
	mux.HandleFunc("POST /increments/{partition}", s.handleIncrements)

	mux.HandleFunc("POST /shard/{partition}/{index}/increment/{counter}", s.handleShardIncrement)
	mux.HandleFunc("POST /shard/{partition}/{index}/write", s.handleShardWrite)
	mux.HandleFunc("GET /shard/{partition}/{index}/counters", s.handleShardCounters)
	mux.HandleFunc("GET /shard/{partition}/{index}/stats", s.handleShardStats)

	mux.HandleFunc("POST /global/{partition}/write", s.handleGlobalWrite)
	mux.HandleFunc("POST /global/{partition}/reset/{counter}", s.handleGlobalReset)
	mux.HandleFunc("POST /global/{partition}/mirror", s.handleGlobalMirror)
	mux.HandleFunc("GET /global/{partition}/counters", s.handleGlobalCounters)
	mux.HandleFunc("GET /global/{partition}/shards", s.handleGlobalShards)
	mux.HandleFunc("GET /global/{partition}/writes", s.handleGlobalWrites)
	mux.HandleFunc("GET /global/{partition}/shard-writes", s.handleGlobalShardWrites)

	mux.HandleFunc("GET /mirror/{partition}", s.handleMirror)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withRecover(s.withLogging(mux))
}

// statusFor maps an error from the actors to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, dispatch.ErrInvalidShard),
		errors.Is(err, dispatch.ErrInvalidPartition),
		errors.Is(err, shard.ErrInvalidRequest),
		errors.Is(err, global.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, shard.ErrFlushFailed):
		return http.StatusBadGateway
	case errors.Is(err, dispatch.ErrClosed), errors.Is(err, actor.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error(err, "request failed", "method", r.Method, "path", r.URL.Path, "status", code)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// parseAmount reads an optional JSON integer body. An empty body is 1.
func parseAmount(r *http.Request) (int64, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return 0, badRequest("read body: %v", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return 1, nil
	}
	if body[0] == '"' {
		return 0, badRequest("amount must be a JSON number")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return 0, badRequest("amount must be a JSON number")
	}
	if dec.More() {
		return 0, badRequest("trailing data after amount")
	}
	amount, err := n.Int64()
	if err != nil {
		return 0, badRequest("amount %s is not an integer", n)
	}
	if amount < 0 {
		return 0, badRequest("amount %d is negative", amount)
	}
	return amount, nil
}

func (s *server) shardFromPath(r *http.Request) (*shard.Shard, error) {
	raw := r.PathValue("index")
	index, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", dispatch.ErrInvalidShard, raw)
	}
	return s.reg.Shard(r.Context(), r.PathValue("partition"), index)
}

type incrementResponse struct {
	Instance string           `json:"instance"`
	Identity cluster.Identity `json:"identity"`
}

func (s *server) increment(w http.ResponseWriter, r *http.Request, sh *shard.Shard) {
	amount, err := parseAmount(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := sh.Increment(r.Context(), r.PathValue("counter"), amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, incrementResponse{Instance: id.Name(), Identity: id})
}

func (s *server) handleIncrement(w http.ResponseWriter, r *http.Request) {
	sh, err := s.reg.Shard(r.Context(), r.PathValue("partition"), s.reg.PickShard())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.increment(w, r, sh)
}

func (s *server) handleShardIncrement(w http.ResponseWriter, r *http.Request) {
	sh, err := s.shardFromPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.increment(w, r, sh)
}

func (s *server) handleIncrements(w http.ResponseWriter, r *http.Request) {
	var deltas cluster.CounterSet
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&deltas); err != nil {
		s.fail(w, r, badRequest("body must be an object of integer amounts: %v", err))
		return
	}
	sh, err := s.reg.Shard(r.Context(), r.PathValue("partition"), s.reg.PickShard())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := sh.IncrementMany(r.Context(), deltas)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, incrementResponse{Instance: id.Name(), Identity: id})
}

func (s *server) handleShardWrite(w http.ResponseWriter, r *http.Request) {
	sh, err := s.shardFromPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := sh.Write(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result := "nothing-to-flush"
	if res.Flushed {
		result = "flushed"
	}
	writeJSON(w, map[string]string{"result": result})
}

func (s *server) handleShardCounters(w http.ResponseWriter, r *http.Request) {
	sh, err := s.shardFromPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, sh.Query())
}

func (s *server) handleShardStats(w http.ResponseWriter, r *http.Request) {
	sh, err := s.shardFromPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, sh.Stats())
}

func (s *server) globalFromPath(r *http.Request) (*global.Global, error) {
	return s.reg.Global(r.Context(), r.PathValue("partition"))
}

func (s *server) handleGlobalWrite(w http.ResponseWriter, r *http.Request) {
	var rec cluster.WriteRecord
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&rec); err != nil {
		s.fail(w, r, badRequest("bad write record: %v", err))
		return
	}
	g, err := s.globalFromPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := g.ReceiveWrite(r.Context(), rec); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleGlobalReset(w http.ResponseWriter, r *http.Request) {
	g, err := s.globalFromPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := g.Reset(r.Context(), r.PathValue("counter")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleGlobalMirror(w http.ResponseWriter, r *http.Request) {
	g, err := s.globalFromPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := g.MirrorFlush(r.Context()); err != nil {
		// The mirror is downstream of the aggregator.
		s.log.Error(err, "mirror flush failed", "partition", r.PathValue("partition"))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleGlobalCounters(w http.ResponseWriter, r *http.Request) {
	g, err := s.globalFromPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, g.Query())
}

func (s *server) handleGlobalShards(w http.ResponseWriter, r *http.Request) {
	g, err := s.globalFromPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snaps, err := g.ListShardSnapshots(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, snaps)
}

func (s *server) handleGlobalWrites(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.fail(w, r, badRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	g, err := s.globalFromPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	recs, err := g.ListAuditLog(limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []cluster.WriteRecord{}
	}
	writeJSON(w, recs)
}

func (s *server) handleGlobalShardWrites(w http.ResponseWriter, r *http.Request) {
	g, err := s.globalFromPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sum, err := g.ListAuditSummaryByShard()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, sum)
}

func (s *server) handleMirror(w http.ResponseWriter, r *http.Request) {
	partition := r.PathValue("partition")
	if err := cluster.GlobalIdentity(partition).Validate(); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", dispatch.ErrInvalidPartition, err))
		return
	}
	snap, err := s.mirror.Read(r.Context(), partition)
	if err != nil {
		s.log.Error(err, "mirror read failed", "partition", partition)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, snap)
}

type healthResponse struct {
	Status    string                   `json:"status"`
	Instances int                      `json:"instances"`
	Upstream  *dispatch.UpstreamHealth `json:"upstream,omitempty"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Instances: len(s.reg.Instances())}
	if s.monitor != nil {
		h := s.monitor.Health()
		resp.Upstream = &h
	}
	writeJSON(w, resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.V(logging.DEBUG).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (s *server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.log.Error(fmt.Errorf("panic: %v", p), "handler panicked", "method", r.Method, "path", r.URL.Path)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
