// Command bridgectl administers the bridge user store: provisioning users,
// minting gateway tokens, and listing accounts. It talks straight to
// Postgres, so it works whether or not a bridge process is running.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/hearthcloud/bridge/internal/directory"
)

const usage = `Usage: bridgectl [-dsn <postgres dsn>] <command> [args]

Commands:
  user add <user-id>      provision a user and mint its gateway token
  user token <user-id>    rotate a user's gateway token
  user link <user-id>     mark the user assistant-linked
  user unlink <user-id>   clear the assistant-linked flag
  user list               list provisioned users

The DSN can also come from BRIDGE_POSTGRES_DSN (a .env file is honored).`

func main() {
	godotenv.Load()

	dsn := flag.String("dsn", os.Getenv("BRIDGE_POSTGRES_DSN"), "postgres connection string")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	if err := run(*dsn, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "bridgectl:", err)
		os.Exit(1)
	}
}

func run(dsn string, args []string) error {
	if len(args) < 1 || args[0] != "user" {
		flag.Usage()
		return fmt.Errorf("expected a 'user' command")
	}
	if dsn == "" {
		return fmt.Errorf("a postgres DSN is required (-dsn or BRIDGE_POSTGRES_DSN)")
	}
	if len(args) < 2 {
		flag.Usage()
		return fmt.Errorf("expected a user subcommand")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, err := directory.NewPostgresStore(ctx, dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	sub, rest := args[1], args[2:]
	switch sub {
	case "add":
		return userAdd(ctx, store, rest)
	case "token":
		return userToken(ctx, store, rest)
	case "link":
		return userSetLinked(ctx, store, rest, true)
	case "unlink":
		return userSetLinked(ctx, store, rest, false)
	case "list":
		return userList(ctx, store)
	default:
		flag.Usage()
		return fmt.Errorf("unknown user subcommand %q", sub)
	}
}

func userAdd(ctx context.Context, store *directory.PostgresStore, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: bridgectl user add <user-id>")
	}
	userID := args[0]

	token, err := mintToken()
	if err != nil {
		return err
	}
	if err := store.CreateUser(ctx, userID, directory.TokenDigest(token)); err != nil {
		return err
	}

	// The token is shown exactly once; only its digest is stored.
	fmt.Printf("user %s created\ngateway token: %s\n", userID, token)
	return nil
}

func userToken(ctx context.Context, store *directory.PostgresStore, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: bridgectl user token <user-id>")
	}
	userID := args[0]

	token, err := mintToken()
	if err != nil {
		return err
	}
	if err := store.SetToken(ctx, userID, directory.TokenDigest(token)); err != nil {
		return err
	}

	fmt.Printf("token rotated for %s\ngateway token: %s\n", userID, token)
	return nil
}

func userSetLinked(ctx context.Context, store *directory.PostgresStore, args []string, linked bool) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: bridgectl user link|unlink <user-id>")
	}
	if err := store.SetLinked(ctx, args[0], linked); err != nil {
		return err
	}
	fmt.Printf("user %s linked=%v\n", args[0], linked)
	return nil
}

func userList(ctx context.Context, store *directory.PostgresStore) error {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tLINKED")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%v\n", u.ID, u.Linked)
	}
	return w.Flush()
}

// mintToken returns 16 random bytes as lowercase hex, matching the token
// shape gateways ship with.
func mintToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
