package routes

import (
	"net/http"

	"lora-orchestrator/api/rest/handlers"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, runs *handlers.RunHandler, spend *handlers.SpendHandler, metrics http.Handler) {
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}

	api := r.PathPrefix("/v1").Subrouter()

	// Run endpoints
	api.HandleFunc("/runs", runs.CreateRun).Methods("POST")
	api.HandleFunc("/runs", runs.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", runs.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/abort", runs.AbortRun).Methods("POST")
	api.HandleFunc("/runs/{id}/webhook", runs.Webhook).Methods("POST")
	api.HandleFunc("/runs/{id}/status-log", runs.GetStatusLog).Methods("GET")
	api.HandleFunc("/runs/{id}/attempts", runs.GetAttempts).Methods("GET")
	api.HandleFunc("/runs/{id}/artifacts", runs.GetArtifacts).Methods("GET")

	// Spend endpoints
	api.HandleFunc("/spend", spend.GetSpend).Methods("GET")
	api.HandleFunc("/spend/runs", spend.GetRunCosts).Methods("GET")
}
