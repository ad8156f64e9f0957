package api

import (
	"context"
	"net/http"
	"sync"
	"time"
)

const healthTimeout = 3 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type healthReport struct {
	Status   string            `json:"status"`
	Services []componentStatus `json:"services"`
}

// checkComponents pings every dependency concurrently so one slow store does
// not hide the state of the others. Results keep registration order.
func (h *Handler) checkComponents(ctx context.Context) healthReport {
	report := healthReport{Status: "ok", Services: make([]componentStatus, len(h.Checks))}
	var wg sync.WaitGroup
	for i, check := range h.Checks {
		report.Services[i] = componentStatus{Component: check.Component, Status: "ok"}
		if check.Ping == nil {
			continue
		}
		wg.Add(1)
		go func(slot *componentStatus, ping func(context.Context) error) {
			defer wg.Done()
			pingCtx, cancel := context.WithTimeout(ctx, healthTimeout)
			defer cancel()
			start := time.Now()
			err := ping(pingCtx)
			slot.LatencyMS = time.Since(start).Milliseconds()
			if err != nil {
				slot.Status = "degraded"
				slot.Error = err.Error()
			}
		}(&report.Services[i], check.Ping)
	}
	wg.Wait()

	for _, component := range report.Services {
		if component.Status != "ok" {
			report.Status = "degraded"
			break
		}
	}
	return report
}

// Health answers 200 when every dependency responds and 503 otherwise. HEAD
// requests get the status code only.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.checkComponents(r.Context())
	code := http.StatusOK
	if report.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(code)
		return
	}
	writeJSON(w, code, report)
}
