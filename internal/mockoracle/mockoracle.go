// Package mockoracle is a stand-in prediction oracle for local runs and
// tests. Scores are derived from a hash of the request content, so the
// same variant always gets the same score and cache behavior can be
// verified across runs. Throttling and per-request faults can be
// injected to exercise the client's retry paths.
package mockoracle

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"varanno/internal/oracle"
	"varanno/internal/ops"
)

const maxBodyBytes = 32 << 20

// Config controls the mock's behavior.
type Config struct {
	// APIKey, when set, must match the bearer token of every call.
	APIKey string
	// Seed varies the score stream without changing determinism.
	Seed uint64
	// Latency is added to every predict call.
	Latency time.Duration
	// ThrottleEvery answers every Nth call with 429 when > 0.
	ThrottleEvery int
}

type Server struct {
	cfg   Config
	log   zerolog.Logger
	calls atomic.Int64
}

func New(cfg Config, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, log: log}
}

// Calls reports how many predict calls reached the mock, throttled ones
// included.
func (s *Server) Calls() int64 { return s.calls.Load() }

func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(ops.Recover(s.log))
	r.Get("/healthz", ops.Liveness())
	r.Post("/v1/predict", s.handlePredict)
	return r
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	n := s.calls.Add(1)

	if s.cfg.APIKey != "" {
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.APIKey {
			http.Error(w, "invalid or missing api key", http.StatusUnauthorized)
			return
		}
	}

	if s.cfg.ThrottleEvery > 0 && n%int64(s.cfg.ThrottleEvery) == 0 {
		s.log.Debug().Int64("call", n).Msg("injecting throttle")
		w.Header().Set("Retry-After", "1")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var body struct {
		Model    string           `json:"model"`
		Requests []oracle.Request `json:"requests"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if body.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}

	if s.cfg.Latency > 0 {
		select {
		case <-time.After(s.cfg.Latency):
		case <-r.Context().Done():
			return
		}
	}

	type result struct {
		Scores map[string]float64 `json:"scores,omitempty"`
		Fault  *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error,omitempty"`
	}
	results := make([]result, len(body.Requests))
	for i, req := range body.Requests {
		if msg := validate(req); msg != "" {
			results[i].Fault = &struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}{Code: "invalid_input", Message: msg}
			continue
		}
		scores := make(map[string]float64, len(req.Categories))
		for _, cat := range req.Categories {
			scores[cat] = s.score(body.Model, req, cat)
		}
		results[i].Scores = scores
	}

	s.log.Debug().
		Int64("call", n).
		Str("model", body.Model).
		Int("requests", len(body.Requests)).
		Msg("predict served")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
}

func validate(r oracle.Request) string {
	switch {
	case r.Chrom == "":
		return "chrom is required"
	case r.Pos <= 0:
		return fmt.Sprintf("pos must be positive, got %d", r.Pos)
	case r.Ref == "":
		return "ref allele is required"
	case r.Alt == "":
		return "alt allele is required"
	case !bases(r.Alt):
		return fmt.Sprintf("alt allele %q contains non-ACGT bases", r.Alt)
	case r.Sequence == "":
		return "sequence context is required"
	}
	return ""
}

func bases(s string) bool {
	for _, c := range strings.ToUpper(s) {
		switch c {
		case 'A', 'C', 'G', 'T':
		default:
			return false
		}
	}
	return true
}

// score maps the request content to a stable value in [0, 1).
func (s *Server) score(model string, r oracle.Request, category string) float64 {
	h := xxhash.New()
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], s.cfg.Seed)
	_, _ = h.Write(seed[:])
	_, _ = io.WriteString(h, model)
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, r.Chrom)
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, fmt.Sprintf("%d", r.Pos))
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, r.Ref)
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, r.Alt)
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, category)
	return float64(h.Sum64()>>11) / float64(1<<53)
}
