// Command mktoken provisions a user and prints the API token clients use to
// authenticate against the realtime endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/forumlab/pushgate/internal/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dbPath   string
		username string
	)

	flag.StringVar(&dbPath, "db", envOrDefault("DATABASE_PATH", "pushgate.db"), "Path to the SQLite database")
	flag.StringVar(&username, "username", "", "Username to provision")
	flag.Parse()

	if username == "" {
		return fmt.Errorf("--username is required")
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	token, err := store.CreateUser(context.Background(), username)
	if err != nil {
		return err
	}

	fmt.Printf("User %q created.\n", username)
	fmt.Printf("Token: %s\n", token)
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
