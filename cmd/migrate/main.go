// Command migrate applies the SQL files in migrations/ against DATABASE_URL.
// Schema migration tooling is explicitly out of scope for the core (spec.md
// §1), so it lives in its own command and is never imported by core
// packages.
package main

import (
	"errors"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"

	"github.com/hemantsathish/conversation-insights-backend/internal/config"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	m, err := migrate.New("file://migrations", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("init migrate: %v", err)
	}

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	default:
		logger.Fatalf("unknown direction %q (want up|down)", direction)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatalf("migrate %s: %v", direction, err)
	}

	logger.Infof("migrate %s: ok", direction)
}
