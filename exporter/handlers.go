package exporter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/true-shuffle/trueshuffle/session"
)

// Import bodies are small; anything bigger than this is not a run export.
const maxImportBytes = 1 << 20

func jsonResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("Error encoding response: %v", err)
		}
	}
}

// HandleExport serves a run as a JSON download.
func (s *Service) HandleExport(w http.ResponseWriter, r *http.Request) {
	userID, ok := session.GetUserID(r.Context())
	if !ok {
		jsonResponse(w, http.StatusUnauthorized, map[string]string{"error": "not logged in"})
		return
	}

	runID, err := strconv.ParseInt(r.URL.Query().Get("run_id"), 10, 64)
	if err != nil {
		jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "run_id is required"})
		return
	}

	payload, err := s.ExportRun(userID, runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			jsonResponse(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		jsonResponse(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=trueshuffle-run-%d.json", runID))
	jsonResponse(w, http.StatusOK, payload)
}

// HandleImport recreates a run from an uploaded export.
func (s *Service) HandleImport(w http.ResponseWriter, r *http.Request) {
	userID, ok := session.GetUserID(r.Context())
	if !ok {
		jsonResponse(w, http.StatusUnauthorized, map[string]string{"error": "not logged in"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes))
	if err != nil {
		jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "could not read body"})
		return
	}

	run, err := s.ImportRun(userID, raw)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidPayload):
			jsonResponse(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, ErrActiveRunExists):
			jsonResponse(w, http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			jsonResponse(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}

	jsonResponse(w, http.StatusCreated, run)
}
