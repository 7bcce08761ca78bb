package handlers

import (
	"net/http"
	"time"

	"lora-orchestrator/core/models"
)

// SpendHandler reports GPU rental spend across runs
type SpendHandler struct {
	runs RunStore
}

// NewSpendHandler creates a new spend handler
func NewSpendHandler(runs RunStore) *SpendHandler {
	return &SpendHandler{runs: runs}
}

// GetSpend handles GET /v1/spend. Only runs created inside [start, end] are
// counted; the window defaults to the last 30 days.
func (h *SpendHandler) GetSpend(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseWindow(w, r)
	if !ok {
		return
	}

	statuses := append([]models.RunStatus{models.RunStatusStarted}, models.TerminalStatuses...)
	counts := make(map[string]int, len(statuses))
	costs := make(map[string]float64, len(statuses))
	total := 0.0

	for _, status := range statuses {
		runs, err := h.runs.ListRunsByStatus(r.Context(), status, 1000)
		if err != nil {
			http.Error(w, "Failed to fetch runs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		for _, run := range runs {
			if run.CreatedAt.Before(start) || run.CreatedAt.After(end) {
				continue
			}
			counts[string(status)]++
			costs[string(status)] += run.GpuCostUSD
			total += run.GpuCostUSD
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"period": map[string]interface{}{
			"start": start.Format(time.RFC3339),
			"end":   end.Format(time.RFC3339),
		},
		"runs": counts,
		"costs": map[string]interface{}{
			"by_status": costs,
			"total_usd": total,
		},
	})
}

// GetRunCosts handles GET /v1/spend/runs
func (h *SpendHandler) GetRunCosts(w http.ResponseWriter, r *http.Request) {
	status := models.RunStatusCompleted
	if s := r.URL.Query().Get("status"); s != "" {
		status = models.RunStatus(s)
	}
	if !status.Valid() {
		http.Error(w, "Unknown status "+string(status), http.StatusBadRequest)
		return
	}

	runs, err := h.runs.ListRunsByStatus(r.Context(), status, queryLimit(r, 50))
	if err != nil {
		http.Error(w, "Failed to fetch runs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, 0, len(runs))
	for _, run := range runs {
		items = append(items, map[string]interface{}{
			"run_id":      run.ID,
			"training_id": run.TrainingID,
			"status":      run.Status,
			"cost_usd":    run.GpuCostUSD,
			"created_at":  run.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func parseWindow(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)

	if v := r.URL.Query().Get("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid start_date format", http.StatusBadRequest)
			return start, end, false
		}
		start = t
	}
	if v := r.URL.Query().Get("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid end_date format", http.StatusBadRequest)
			return start, end, false
		}
		end = t
	}
	return start, end, true
}
