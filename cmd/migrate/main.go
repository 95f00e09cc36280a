// Schema migration CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/kvasirlabs/signalflux/internal/config"
	"github.com/kvasirlabs/signalflux/internal/db"
)

func main() {
	command := flag.String("command", "migrate", "command to run: migrate or version")
	configPath := flag.String("config", "", "path to config file")
	migrationsDir := flag.String("migrations", "migrations", "path to migrations directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, "console")

	conn, err := db.OpenForMigration(cfg.Database.GetDSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx := context.Background()
	if err := conn.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ping database: %v\n", err)
		os.Exit(1)
	}

	migrator := db.NewMigrator(conn, *migrationsDir)
	switch *command {
	case "migrate":
		if err := migrator.Migrate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
			os.Exit(1)
		}
	case "version":
		version, err := migrator.CurrentVersion(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "version check failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("schema version: %d\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected migrate or version)\n", *command)
		os.Exit(1)
	}
}
