package utility

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/true-shuffle/trueshuffle/session"
	"github.com/true-shuffle/trueshuffle/spotify"
)

func jsonResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("Error encoding response: %v", err)
		}
	}
}

// HandleShuffleCopy runs the one-shot copy for the playlist in the request.
func (s *Service) HandleShuffleCopy(w http.ResponseWriter, r *http.Request) {
	userID, ok := session.GetUserID(r.Context())
	if !ok {
		jsonResponse(w, http.StatusUnauthorized, map[string]string{"error": "not logged in"})
		return
	}

	playlistID := r.URL.Query().Get("playlist_id")
	if playlistID == "" {
		var body struct {
			PlaylistID string `json:"playlist_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			playlistID = body.PlaylistID
		}
	}
	if playlistID == "" {
		jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "playlist_id is required"})
		return
	}

	result, err := s.ShuffleCopy(r.Context(), userID, playlistID)
	if err != nil {
		if errors.Is(err, ErrEmptyPlaylist) {
			jsonResponse(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		jsonResponse(w, spotify.HTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}

	jsonResponse(w, http.StatusOK, result)
}
