package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"roomsync/internal/config"
	"roomsync/internal/db"
	"roomsync/internal/room"
	"roomsync/internal/server"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("failed to load .env: %v", err)
	}
	cfg := config.Load()

	var persister room.Persister = room.NopPersister{}
	conn, err := db.Open(cfg)
	if err != nil {
		log.Printf("running without persistence: %v", err)
		conn = nil
	} else {
		if err := db.Migrate(conn); err != nil {
			log.Fatalf("database migration failed: %v", err)
		}
		persister = db.NewStore(conn)
	}

	addr := ":8080"
	if env := os.Getenv("PORT"); env != "" {
		addr = ":" + env
	}

	srv := server.New(conn, persister, cfg)
	srv.StartSweeps(time.Minute)
	log.Printf("roomsync server listening on %s", addr)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal(err)
	}
}
