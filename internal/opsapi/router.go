// Package opsapi is the operator HTTP surface of a running testbed.
package opsapi

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/signalsfoundry/sagin-testbed/core"
	"github.com/signalsfoundry/sagin-testbed/internal/protocol"
)

// StateSource returns the most recently exported state, or nil.
type StateSource interface {
	Latest() *protocol.State
}

// Deps are the handlers' collaborators. Nil members disable their routes
// with 503 Service Unavailable.
type Deps struct {
	Metrics http.Handler
	States  StateSource
	Links   core.Resolver
	Cost    *core.TransferCostModel
	// Health reports a non-nil error once the run has failed.
	Health func() error
}

// NewRouter registers the operator routes.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", d.health).Methods(http.MethodGet)
	r.HandleFunc("/v1/state/latest", d.latestState).Methods(http.MethodGet)
	r.HandleFunc("/v1/links", d.link).Methods(http.MethodGet).Queries("src", "{src}", "dst", "{dst}")
	r.HandleFunc("/v1/links", badRequest("src and dst are required")).Methods(http.MethodGet)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}

	return r
}

// Handler wraps the router with access logging to out and panic recovery.
func Handler(d Deps, out io.Writer) http.Handler {
	return handlers.RecoveryHandler()(handlers.LoggingHandler(out, NewRouter(d)))
}

func (d Deps) health(w http.ResponseWriter, _ *http.Request) {
	if d.Health != nil {
		if err := d.Health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "failed", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d Deps) latestState(w http.ResponseWriter, _ *http.Request) {
	if d.States == nil {
		writeError(w, http.StatusServiceUnavailable, "state export unavailable")
		return
	}
	s := d.States.Latest()
	if s == nil {
		writeError(w, http.StatusNotFound, "no state exported yet")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// linkView is the JSON form of a link lookup. Transfer times are null
// when the transfer cannot complete.
type linkView struct {
	Src               string   `json:"src"`
	Dst               string   `json:"dst"`
	Time              float64  `json:"t"`
	RTTMs             float64  `json:"rtt_ms"`
	UpMbps            float64  `json:"up_mbps"`
	DownMbps          float64  `json:"down_mbps"`
	Loss              float64  `json:"loss"`
	Up                bool     `json:"up"`
	Available         bool     `json:"available"`
	EffectiveUpMbps   float64  `json:"effective_up_mbps"`
	EffectiveDownMbps float64  `json:"effective_down_mbps"`
	Bits              float64  `json:"bits,omitempty"`
	UpstreamSeconds   *float64 `json:"upstream_seconds,omitempty"`
	DownstreamSeconds *float64 `json:"downstream_seconds,omitempty"`
}

func (d Deps) link(w http.ResponseWriter, r *http.Request) {
	if d.Links == nil {
		writeError(w, http.StatusServiceUnavailable, "network profile unavailable")
		return
	}
	vars := mux.Vars(r)
	src, dst := vars["src"], vars["dst"]
	if src == "" || dst == "" {
		writeError(w, http.StatusBadRequest, "src and dst are required")
		return
	}
	q := r.URL.Query()
	t, ok := floatParam(q.Get("t"))
	if !ok {
		writeError(w, http.StatusBadRequest, "t must be a number")
		return
	}

	m := d.Links.Query(src, dst, t)
	view := linkView{
		Src:               src,
		Dst:               dst,
		Time:              t,
		RTTMs:             m.RTTMs(),
		UpMbps:            m.UpMbps(),
		DownMbps:          m.DownMbps(),
		Loss:              m.Loss(),
		Up:                m.IsUp(),
		Available:         m.Available(),
		EffectiveUpMbps:   m.EffectiveUpMbps(),
		EffectiveDownMbps: m.EffectiveDownMbps(),
	}

	if raw := q.Get("bits"); raw != "" && d.Cost != nil {
		bits, ok := floatParam(raw)
		if !ok || bits < 0 {
			writeError(w, http.StatusBadRequest, "bits must be a non-negative number")
			return
		}
		view.Bits = bits
		view.UpstreamSeconds = finite(d.Cost.UpSeconds(src, dst, bits, t, 1))
		view.DownstreamSeconds = finite(d.Cost.DownSeconds(src, dst, bits, t, 1))
	}
	writeJSON(w, http.StatusOK, view)
}

func floatParam(raw string) (float64, bool) {
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func finite(v float64) *float64 {
	if !core.Reachable(v) {
		return nil
	}
	return &v
}

func badRequest(msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusBadRequest, msg)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
