package db

import (
	"fmt"
	"io"
	"strconv"
)

// RunMigrateCommand runs one 'migrate' subcommand against the database at
// dbPath and writes its report to out.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return fmt.Errorf("missing migrate action")
	}

	// the schema is left to the migrations, so open without NewDB
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	switch action := args[0]; action {
	case "up":
		if err := database.MigrateUp(); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ All migrations applied")
		return printVersion(database, out)

	case "down":
		if err := database.MigrateDown(); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ Rolled back one migration")
		return printVersion(database, out)

	case "status":
		version, dirty, err := database.MigrateVersion()
		if err != nil {
			return err
		}
		latest, err := LatestMigrationVersion(MigrationsFS())
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "=== Migration Status ===")
		fmt.Fprintf(out, "Current version: %d\n", version)
		fmt.Fprintf(out, "Latest available: %d\n", latest)
		fmt.Fprintf(out, "Dirty: %v\n", dirty)
		switch {
		case dirty:
			fmt.Fprintln(out, "⚠️  Database is dirty. Inspect it, then run: migrate force <version>")
		case version < latest:
			fmt.Fprintf(out, "⚠️  %d migration(s) pending. Run: migrate up\n", latest-version)
		default:
			fmt.Fprintln(out, "✓ Database is up to date")
		}
		return nil

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: migrate force <version>")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[1])
		}
		if err := database.MigrateForce(v); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Migration version forced to %d\n", v)
		return nil

	case "help":
		PrintMigrateHelp(out)
		return nil

	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action: %s", action)
	}
}

func printVersion(database *DB, out io.Writer) error {
	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

// PrintMigrateHelp writes usage for the migrate command.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprintln(out, "Database Migration Commands")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Usage: brickd migrate [--db <path>] [--config <file>] <command>")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  up           Apply all pending migrations")
	fmt.Fprintln(out, "  down         Roll back one migration")
	fmt.Fprintln(out, "  status       Show the applied and latest versions")
	fmt.Fprintln(out, "  force <N>    Force the version to N (dirty recovery only)")
	fmt.Fprintln(out, "  help         Show this message")
}
