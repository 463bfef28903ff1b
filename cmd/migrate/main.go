// Database migration runner for the settlement core schema.
//
// Usage:
//
//	migrate up|down|status [-dir migrations]
//
// DATABASE_URL must point at the target PostgreSQL instance.
package main

import (
	"database/sql"
	"flag"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"

	"github.com/meridianpay/settlecore/internal/logging"
)

func main() {
	dir := flag.String("dir", "migrations", "directory with migration files")
	flag.Parse()

	logger := logging.New("info", "text")

	args := flag.Args()
	if len(args) < 1 {
		logger.Error("usage: migrate up|down|status [-dir migrations]")
		os.Exit(1)
	}
	command := args[0]

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		logger.Error("failed to set goose dialect", "error", err)
		os.Exit(1)
	}

	if err := goose.Run(command, db, *dir, args[1:]...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}

	logger.Info("migration complete", "command", command)
}
