// Database migration tool for praxis
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()

	if err := goose.RunContext(ctx, command, db, "migrations", args...); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: migrate COMMAND [args]

Commands:
  up            Migrate the database to the most recent version
  down          Roll back the most recent migration
  status        Print the status of all migrations
  version       Print the current migration version
  redo          Roll back and re-apply the most recent migration
  up-to N       Migrate up to version N
  down-to N     Roll back to version N

DATABASE_URL must be set.`)
}
