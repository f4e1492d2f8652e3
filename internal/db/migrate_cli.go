package db

import (
	"fmt"
	"io"
	"io/fs"
	"strconv"
)

// RunMigrateCommand handles the 'migrate' subcommand: up, down, status,
// version <n> and force <n>.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return fmt.Errorf("missing migrate action")
	}

	migrations, err := getMigrationsFS()
	if err != nil {
		return fmt.Errorf("failed to get migrations filesystem: %w", err)
	}

	// Open without migrating; the action decides what happens to the schema.
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch action := args[0]; action {
	case "up":
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "All migrations applied")
		return printVersion(out, database, migrations)

	case "down":
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "Rolled back one migration")
		return printVersion(out, database, migrations)

	case "status":
		status, err := database.GetMigrationStatus(migrations)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "=== Migration Status ===")
		fmt.Fprintf(out, "Current version: %d\n", status.CurrentVersion)
		fmt.Fprintf(out, "Latest version: %d\n", status.LatestVersion)
		fmt.Fprintf(out, "Dirty: %v\n", status.Dirty)
		if status.Dirty {
			fmt.Fprintln(out, "A migration failed mid-execution; inspect the database, then run: labrobot migrate force <version>")
		}
		return nil

	case "version", "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: labrobot migrate %s <version_number>", action)
		}
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number %q", args[1])
		}
		if action == "force" {
			err = database.MigrateForce(migrations, int(v))
		} else {
			err = database.MigrateTo(migrations, uint(v))
		}
		if err != nil {
			return err
		}
		return printVersion(out, database, migrations)

	case "help":
		PrintMigrateHelp(out)
		return nil

	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action: %s", action)
	}
}

func printVersion(out io.Writer, database *DB, migrations fs.FS) error {
	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

// PrintMigrateHelp prints usage for the migrate subcommand.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Usage: labrobot migrate <action> [args]

Actions:
  up                 apply all pending migrations
  down               roll back the most recent migration
  status             show current and latest schema versions
  version <n>        migrate up or down to version n
  force <n>          mark the schema as version n (recovery only)
  help               show this help
`)
}
