package main

import (
	"log"
	"os"
	"strconv"

	"roomsync/internal/config"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Schema migration runner.
//
//	migrate            apply all pending migrations
//	migrate down [n]   roll back n migrations (default 1)
//	migrate version    print the current schema version
//
// MIGRATIONS_DIR overrides the migration source; DATABASE_URL is required.
func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("failed to load .env: %v", err)
	}

	source := os.Getenv("MIGRATIONS_DIR")
	if source == "" {
		source = "file://db/migrations"
	}
	m, err := migrate.New(source, mustDatabaseURL())
	if err != nil {
		log.Fatalf("migration setup failed: %v", err)
	}

	switch cmd := argOr(1, "up"); cmd {
	case "up":
		finish(m.Up(), "applied")
	case "down":
		finish(m.Steps(-stepCount()), "rolled back")
	case "version":
		version, dirty, err := m.Version()
		if err != nil && err != migrate.ErrNilVersion {
			log.Fatalf("version lookup failed: %v", err)
		}
		log.Printf("schema version=%d dirty=%v", version, dirty)
	default:
		log.Fatalf("unknown command %q", cmd)
	}
}

func finish(err error, verb string) {
	if err != nil && err != migrate.ErrNoChange {
		log.Fatalf("database migration failed: %v", err)
	}
	log.Printf("database migrations %s", verb)
}

func stepCount() int {
	raw := argOr(2, "1")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		log.Fatalf("invalid step count %q", raw)
	}
	return n
}

func argOr(i int, fallback string) string {
	if len(os.Args) > i {
		return os.Args[i]
	}
	return fallback
}

func mustDatabaseURL() string {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	return dsn
}
