// Command migrate applies or rolls back the SQL migrations.
//
//	migrate up
//	migrate down
//	migrate to 1
//	migrate force 1
//	migrate version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"ms-tripbooking/internal/config"
	"ms-tripbooking/internal/database/migrations"
	"ms-tripbooking/internal/db"
	"ms-tripbooking/internal/logger"

	"github.com/joho/godotenv"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate [-dir ./migrations] up|down|version|to N|force N")
	flag.PrintDefaults()
}

func main() {
	dir := flag.String("dir", "", "migrations directory (defaults to MIGRATIONS_DIR)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	logger := logger.NewLogger("migrate")
	defer logger.Close()

	if err := godotenv.Load(); err != nil {
		logger.Warn("CONFIG", ".env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("CONFIG", fmt.Sprintf("Failed to load configuration: %v", err))
	}
	if *dir != "" {
		cfg.Database.MigrationsDir = *dir
	}

	sqldb, err := db.OpenSQL(context.Background(), cfg.Database, logger)
	if err != nil {
		logger.Fatal("DATABASE", err.Error())
	}

	runner := migrations.NewRunner(sqldb, migrations.MigrateOptions{MigrationsDir: cfg.Database.MigrationsDir}, logger)
	err = run(runner, flag.Args())
	if cerr := runner.Close(); cerr != nil {
		logger.Warn("MIGRATE", cerr.Error())
	}
	if err != nil {
		logger.Fatal("MIGRATE", err.Error())
	}
}

func run(runner *migrations.Runner, args []string) error {
	switch args[0] {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "version":
		version, dirty, err := runner.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)
		return nil
	case "to", "force":
		if len(args) < 2 {
			return fmt.Errorf("%s needs a version", args[0])
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid version %q", args[1])
		}
		if args[0] == "to" {
			return runner.To(uint(n))
		}
		return runner.Force(n)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}
