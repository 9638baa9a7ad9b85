// Package main provides the database migration CLI for the ingestor.
//
// Migrations are embedded at build time, so the binary needs only DATABASE_URL.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
)

// Build-time version information, set with -ldflags.
var (
	Version   = "1.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	name      = "migrator"
)

// ErrUnknownCommand is returned for commands other than up, down, status, version and drop.
var ErrUnknownCommand = errors.New("unknown command")

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
	)

	flag.Parse()

	if *showVersion {
		printVersionInfo()
		os.Exit(0)
	}

	if *showHelp || flag.NArg() < 1 {
		printUsage()
		os.Exit(0)
	}

	command := flag.Arg(0)

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	runner, err := NewMigrationRunner(cfg)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}

	if err := executeCommand(command, runner, confirmDrop); err != nil {
		_ = runner.Close()

		log.Fatalf("Migration failed: %v", err)
	}

	_ = runner.Close()
}

// executeCommand runs one migration command. confirm is asked before destructive commands.
func executeCommand(command string, runner MigrationRunner, confirm func() bool) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		if !confirm() {
			fmt.Println("Operation cancelled.")

			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

func confirmDrop() bool {
	fmt.Print("WARNING: This will drop all tables. Are you sure? (y/N): ")

	var response string

	_, _ = fmt.Scanln(&response)

	return strings.EqualFold(strings.TrimSpace(response), "y")
}

func printVersionInfo() {
	fmt.Printf("%s v%s\n", name, Version)
	fmt.Printf("Git Commit: %s\n", GitCommit)
	fmt.Printf("Build Time: %s\n", BuildTime)
}

func printUsage() {
	fmt.Printf(`%s v%s - database migrations for the health facility ingestor

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      Apply all pending migrations
    down    Roll back the last migration
    status  Show migration status
    version Show current migration version
    drop    Drop all tables (requires confirmation)

OPTIONS:
    --help     Show this help message
    --version  Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL     PostgreSQL connection string (REQUIRED)
    MIGRATION_TABLE  Migration tracking table (default: schema_migrations)
`, name, Version, name)
}
