package main

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"github.com/true-shuffle/trueshuffle/config"
	"github.com/true-shuffle/trueshuffle/controller"
	"github.com/true-shuffle/trueshuffle/db"
	"github.com/true-shuffle/trueshuffle/exporter"
	"github.com/true-shuffle/trueshuffle/oauth"
	"github.com/true-shuffle/trueshuffle/session"
	"github.com/true-shuffle/trueshuffle/spotify"
	"github.com/true-shuffle/trueshuffle/utility"
)

type application struct {
	database       *db.DB
	sessionManager *session.SessionManager
	spotifyClient  *spotify.Client
	oauthService   *oauth.Service
	controller     *controller.Service
	utility        *utility.Service
	exporter       *exporter.Service
}

func main() {
	config.Load()

	database, err := db.New(viper.GetString("db.path"))
	if err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}

	if err := database.Initialize(); err != nil {
		log.Fatalf("Error initializing database: %v", err)
	}

	sessionManager := session.NewSessionManager(database, viper.GetString("session.secret"))

	spotifyClient := spotify.NewClient(database, viper.GetString("spotify.client_id"))

	oauthService := oauth.NewService(
		database,
		sessionManager,
		viper.GetString("spotify.client_id"),
		viper.GetString("callback.spotify"),
		viper.GetStringSlice("spotify.scopes"),
	)

	controllerService := controller.NewService(
		database,
		spotifyClient,
		viper.GetInt("controller.buffer_size"),
		time.Duration(viper.GetInt("controller.poll_interval_seconds"))*time.Second,
	)

	app := &application{
		database:       database,
		sessionManager: sessionManager,
		spotifyClient:  spotifyClient,
		oauthService:   oauthService,
		controller:     controllerService,
		utility:        utility.NewService(database, spotifyClient),
		exporter:       exporter.NewService(database),
	}

	serverAddr := fmt.Sprintf("%s:%s", viper.GetString("server.host"), viper.GetString("server.port"))

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      app.routes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("Server running at: http://%s", serverAddr)
	log.Fatal(srv.ListenAndServe())
}
