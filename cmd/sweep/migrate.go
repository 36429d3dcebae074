package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/banshee-data/coupling.report/internal/journal"
)

const migrateUsage = `usage: sweep migrate [-journal path] <action>

actions:
  up         apply all pending migrations
  down       roll back the most recent migration
  status     print the schema version
  force N    record version N without migrating (dirty recovery only)
`

// runMigrate implements the migrate subcommand on the run journal.
func runMigrate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	path := fs.String("journal", "sweep.db", "Run journal database")
	fs.Usage = func() { fmt.Fprint(fs.Output(), migrateUsage) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("missing migrate action")
	}

	j, err := journal.OpenUnmigrated(*path)
	if err != nil {
		return err
	}
	defer j.Close()

	switch action := fs.Arg(0); action {
	case "up":
		err = j.MigrateUp()
	case "down":
		err = j.MigrateDown()
	case "status":
	case "force":
		if fs.NArg() < 2 {
			return fmt.Errorf("usage: sweep migrate force <version>")
		}
		v, perr := strconv.Atoi(fs.Arg(1))
		if perr != nil {
			return fmt.Errorf("invalid version %q", fs.Arg(1))
		}
		err = j.MigrateForce(v)
	default:
		fs.Usage()
		return fmt.Errorf("unknown migrate action %q", action)
	}
	if err != nil {
		return err
	}

	version, dirty, err := j.SchemaVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "journal %s: version %d, dirty %v\n", *path, version, dirty)
	if dirty {
		fmt.Fprintln(out, "a migration failed part way; inspect the database, then run: sweep migrate force <version>")
	}
	return nil
}
