package controller

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/true-shuffle/trueshuffle/session"
	"github.com/true-shuffle/trueshuffle/spotify"
)

// HTTP surface of the engine. Every command answers with the session
// status snapshot; errors carry a JSON body and the mapped status code.

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := spotify.HTTPStatus(err)
	switch {
	case errors.Is(err, ErrNoSession):
		status = http.StatusNotFound
	case errors.Is(err, ErrEmptyPlaylist):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// requestIdentity pulls the user from the session context and the playlist
// from the query or JSON body.
func requestIdentity(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	userID, ok := session.GetUserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not logged in"})
		return 0, "", false
	}

	playlistID := r.URL.Query().Get("playlist_id")
	if playlistID == "" && r.Body != nil {
		var body struct {
			PlaylistID string `json:"playlist_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			playlistID = body.PlaylistID
		}
	}
	if playlistID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "playlist_id is required"})
		return 0, "", false
	}

	return userID, playlistID, true
}

func (s *Service) HandleStart(w http.ResponseWriter, r *http.Request) {
	userID, playlistID, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	status, err := s.Start(r.Context(), userID, playlistID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Service) HandleStatus(w http.ResponseWriter, r *http.Request) {
	userID, playlistID, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	status, err := s.Status(userID, playlistID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Service) HandleNext(w http.ResponseWriter, r *http.Request) {
	userID, playlistID, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	status, err := s.Next(r.Context(), userID, playlistID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Service) HandleStop(w http.ResponseWriter, r *http.Request) {
	userID, playlistID, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	status, err := s.Stop(r.Context(), userID, playlistID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Service) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	userID, playlistID, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	status, err := s.Refresh(r.Context(), userID, playlistID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleDevices lists the user's playback devices.
func (s *Service) HandleDevices(w http.ResponseWriter, r *http.Request) {
	userID, ok := session.GetUserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not logged in"})
		return
	}

	devices, err := s.player.ListDevices(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}
