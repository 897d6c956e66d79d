package main

import (
	"encoding/json"
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

func (app *application) home(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")

	cookie, err := r.Cookie("session")
	isLoggedIn := err == nil && cookie != nil

	html := `
		<html>
		<head>
			<title>True Shuffle</title>
			<style>
				body {
					font-family: Arial, sans-serif;
					max-width: 800px;
					margin: 0 auto;
					padding: 20px;
					line-height: 1.6;
				}
				h1 {
					color: #1DB954;
				}
				.nav {
					display: flex;
					margin-bottom: 20px;
				}
				.nav a {
					margin-right: 15px;
					text-decoration: none;
					color: #1DB954;
					font-weight: bold;
				}
				.card {
					border: 1px solid #ddd;
					border-radius: 8px;
					padding: 20px;
					margin-bottom: 20px;
				}
			</style>
		</head>
		<body>
			<h1>True Shuffle</h1>
			<div class="nav">
				<a href="/">Home</a>`

	if isLoggedIn {
		html += `
				<a href="/playlists">Playlists</a>
				<a href="/logout">Logout</a>`
	} else {
		html += `
				<a href="/login/spotify">Login with Spotify</a>`
	}

	html += `
			</div>

			<div class="card">
				<h2>Shuffle that is actually random</h2>
				<p>Spotify's shuffle is weighted. True Shuffle plays your playlist
				in a uniformly random order instead: either by steering your
				player live (controller mode) or by writing a shuffled copy of
				the playlist (utility mode).</p>`

	if !isLoggedIn {
		html += `
				<p><a href="/login/spotify">Login with Spotify</a> to get started!</p>`
	} else {
		html += `
				<p>Pick a playlist from <a href="/playlists">your playlists</a>,
				then start the controller with
				<code>POST /controller/start?playlist_id=...</code> or make a
				shuffled copy with <code>POST /shuffle?playlist_id=...</code>.</p>`
	}

	html += `
			</div>
		</body>
		</html>
	`

	w.Write([]byte(html))
}

func (app *application) apiMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := session.GetUserID(r.Context())
	if !ok {
		jsonResponse(w, http.StatusUnauthorized, map[string]string{"error": "not logged in"})
		return
	}

	user, err := app.database.GetUserByID(userID)
	if err != nil || user == nil {
		jsonResponse(w, http.StatusInternalServerError, map[string]string{"error": "could not load user"})
		return
	}

	jsonResponse(w, http.StatusOK, user)
}

func (app *application) apiPlaylists(w http.ResponseWriter, r *http.Request) {
	userID, ok := session.GetUserID(r.Context())
	if !ok {
		jsonResponse(w, http.StatusUnauthorized, map[string]string{"error": "not logged in"})
		return
	}

	playlists, err := app.spotifyClient.GetPlaylists(r.Context(), userID)
	if err != nil {
		jsonResponse(w, spotify.HTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}

	jsonResponse(w, http.StatusOK, map[string]any{"playlists": playlists})
}

// logout stops the user's controller loops before dropping the session.
func (app *application) logout(w http.ResponseWriter, r *http.Request) {
	if userID, ok := session.GetUserID(r.Context()); ok {
		app.controller.StopAll(r.Context(), userID)
	}
	app.sessionManager.HandleLogout(w, r)
}
