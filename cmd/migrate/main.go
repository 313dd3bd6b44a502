// Command migrate applies the embedded schema migrations against a
// database, outside the server's migrate-on-start path. Deployments that
// gate schema changes run this before rolling the new server version.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/lib/pq"

	"github.com/kosherhub/kosherhub/pkg/database"
)

var (
	upFlag      = flag.Bool("up", false, "Apply all pending migrations")
	downFlag    = flag.Bool("down", false, "Roll back the last migration")
	stepsFlag   = flag.Int("steps", 0, "Apply N migrations (negative rolls back)")
	versionFlag = flag.Bool("version", false, "Show current migration version")
	forceFlag   = flag.Int("force", -1, "Force the version marker without running migrations")
	dsnFlag     = flag.String("dsn", "", "Database connection string (defaults to DATABASE_URL)")
	timeoutFlag = flag.Duration("timeout", time.Minute, "Abort if the operation runs longer than this")
)

func main() {
	flag.Parse()

	dsn := *dsnFlag
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "Error: -dsn or DATABASE_URL is required")
		flag.Usage()
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	migrator, err := database.NewMigrator(db)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}

	// A termination signal stops the migrator at the next safe point.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Received termination signal, stopping...")
		migrator.GracefulStop <- true
	}()

	timer := time.AfterFunc(*timeoutFlag, func() {
		log.Println("Timeout reached, stopping...")
		migrator.GracefulStop <- true
	})
	defer timer.Stop()

	switch {
	case *versionFlag:
		version, dirty, err := migrator.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("No migrations applied yet")
			return
		}
		if err != nil {
			log.Fatalf("Failed to read migration version: %v", err)
		}
		fmt.Printf("Current migration version: %d (dirty: %t)\n", version, dirty)

	case *forceFlag >= 0:
		if err := migrator.Force(*forceFlag); err != nil {
			log.Fatalf("Failed to force version: %v", err)
		}
		fmt.Printf("Migration version forced to %d\n", *forceFlag)

	case *stepsFlag != 0:
		if err := migrator.Steps(*stepsFlag); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Printf("Applied %d migration step(s)\n", *stepsFlag)

	case *upFlag:
		start := time.Now()
		if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Printf("Migrations completed in %s\n", time.Since(start))

	case *downFlag:
		if err := migrator.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Rollback failed: %v", err)
		}
		fmt.Println("Rolled back one migration")

	default:
		flag.Usage()
	}
}
