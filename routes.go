package main

import (
	"net/http"

	"github.com/justinas/alice"

	"github.com/true-shuffle/trueshuffle/session"
)

func (app *application) routes() http.Handler {
	mux := http.NewServeMux()

	sm := app.sessionManager

	mux.HandleFunc("GET /{$}", app.home)
	mux.HandleFunc("GET /login/spotify", app.oauthService.HandleLogin)
	mux.HandleFunc("GET /callback/spotify", app.oauthService.HandleCallback)
	mux.HandleFunc("GET /logout", session.WithPossibleAuth(app.logout, sm))

	mux.HandleFunc("GET /me", session.WithAuth(app.apiMe, sm))
	mux.HandleFunc("GET /playlists", session.WithAuth(app.apiPlaylists, sm))

	mux.HandleFunc("POST /controller/start", session.WithAuth(app.controller.HandleStart, sm))
	mux.HandleFunc("GET /controller/status", session.WithAuth(app.controller.HandleStatus, sm))
	mux.HandleFunc("POST /controller/next", session.WithAuth(app.controller.HandleNext, sm))
	mux.HandleFunc("POST /controller/stop", session.WithAuth(app.controller.HandleStop, sm))
	mux.HandleFunc("POST /controller/refresh", session.WithAuth(app.controller.HandleRefresh, sm))
	mux.HandleFunc("GET /controller/devices", session.WithAuth(app.controller.HandleDevices, sm))

	mux.HandleFunc("POST /shuffle", session.WithAuth(app.utility.HandleShuffleCopy, sm))

	mux.HandleFunc("GET /export", session.WithAuth(app.exporter.HandleExport, sm))
	mux.HandleFunc("POST /export/import", session.WithAuth(app.exporter.HandleImport, sm))

	standard := alice.New(app.recoverPanic, app.logRequest, commonHeaders)

	return standard.Then(mux)
}
