// Package api exposes the pipeline over HTTP: job submission, live job
// inspection, cancel/retry/dismiss and the history listing.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/WangWindow/AvaGodots/history"
	"github.com/WangWindow/AvaGodots/job"
	"github.com/WangWindow/AvaGodots/processor"
)

// API wires the processor and history store to an http.Server.
type API struct {
	Server    *http.Server
	Processor *processor.Processor
	History   history.Store
}

// downloadRequest is the POST /download payload.
type downloadRequest struct {
	URL         string   `json:"url"`
	FileName    string   `json:"file_name"`
	DisplayName string   `json:"display_name"`
	Kind        job.Kind `json:"kind"`
}

// jobRequest addresses one live job.
type jobRequest struct {
	ID string `json:"id"`
}

// New returns an API listening on addr. heartbeatPath, when non-empty,
// is answered with 200 unconditionally for load balancer checks.
func New(p *processor.Processor, hist history.Store, addr, heartbeatPath string) *API {
	as := &API{Processor: p, History: hist}

	mux := http.NewServeMux()
	mux.HandleFunc("/download", as.handleDownload)
	mux.HandleFunc("/jobs", as.handleJobs)
	mux.HandleFunc("/jobs/cancel", as.jobAction(p.Cancel))
	mux.HandleFunc("/jobs/retry", as.jobAction(p.Retry))
	mux.HandleFunc("/jobs/dismiss", as.jobAction(p.Dismiss))
	mux.HandleFunc("/history", as.handleHistory)
	if heartbeatPath != "" {
		mux.HandleFunc(heartbeatPath, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	as.Server = &http.Server{Handler: mux, Addr: addr}
	return as
}

// handleDownload submits a new job and returns its initial snapshot.
func (as *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Error parsing request body", http.StatusBadRequest)
		return
	}

	j, err := as.Processor.StartDownload(req.URL, req.FileName, req.DisplayName, req.Kind)
	if err != nil {
		if errors.Is(err, processor.ErrNotAccepting) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, j.Snapshot())
}

// handleJobs lists snapshots of the live job set.
func (as *API) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, as.Processor.Jobs())
}

// jobAction adapts a processor method operating on a job id into a POST
// handler.
func (as *API) jobAction(action func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		defer r.Body.Close()

		var req jobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Error parsing request body", http.StatusBadRequest)
			return
		}

		if err := action(req.ID); err != nil {
			if errors.Is(err, processor.ErrUnknownJob) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleHistory lists the audit trail, most recent first.
func (as *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	records, err := as.History.ListRecords()
	if err != nil {
		http.Error(w, "Error listing history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
