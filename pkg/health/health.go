// Package health is the process's health/readiness/metrics HTTP surface —
// the one HTTP server this engine owns (spec.md excludes an admin/webhook
// server). Grounded on the teacher's gateway chi+cors router wiring
// (test/integration/gateway/cors_test.go).
package health

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/megatechtrackers/alarmnotifier/pkg/modempool"
)

// Checker reports whether a dependency this process needs is reachable.
type Checker func(ctx context.Context) error

// CostReporter is modempool.Pool's CostReport method, narrowed to an
// interface so readyz can surface SPEC_FULL.md §3's fleet cost figures
// without importing the concrete Pool type.
type CostReporter interface {
	CostReport(ctx context.Context) (modempool.CostReport, error)
}

// NewRouter builds the /healthz, /readyz, and /metrics endpoints. checks
// run on every /readyz call; a failing check reports 503.
func NewRouter(checks map[string]Checker, costs CostReporter) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		failures := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failures[name] = err.Error()
			}
		}

		report := readinessReport{Checks: okMap(checks, failures)}
		if costs != nil {
			if cr, err := costs.CostReport(ctx); err == nil {
				report.FleetCost = &cr
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if len(failures) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

type readinessReport struct {
	Checks    map[string]string       `json:"checks"`
	FleetCost *modempool.CostReport   `json:"fleet_cost,omitempty"`
}

func okMap(checks map[string]Checker, failures map[string]string) map[string]string {
	out := make(map[string]string, len(checks))
	for name := range checks {
		if msg, failed := failures[name]; failed {
			out[name] = msg
		} else {
			out[name] = "ok"
		}
	}
	return out
}
