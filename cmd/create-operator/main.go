package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ignite/newsletter/internal/app"
	"github.com/ignite/newsletter/internal/config"
	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/pkg/logger"
	"github.com/ignite/newsletter/internal/service/auth"
)

const minPasswordLength = 12

type operatorStore interface {
	UpsertOperator(ctx context.Context, username, passwordHash string) (domain.UserID, error)
}

func main() {
	username := flag.String("username", "admin", "operator username")
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Driver != "postgres" {
		fmt.Fprintln(os.Stderr, "FATAL: operators can only be created in a postgres database")
		os.Exit(1)
	}

	password, err := readPassword(os.Getenv("OPERATOR_PASSWORD"), os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stores, err := app.OpenStores(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	defer stores.Close()

	id, err := createOperator(ctx, stores.Credentials, app.NewHasher(cfg.Auth.Argon2), *username, password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	logger.Info("operator saved", "username", *username, "user_id", string(id))
	fmt.Printf("✓ operator %q saved (user_id %s)\n", *username, id)
}

// readPassword prefers the environment and falls back to the first line of in.
func readPassword(fromEnv string, in io.Reader) (string, error) {
	if fromEnv != "" {
		return fromEnv, nil
	}
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func createOperator(ctx context.Context, store operatorStore, hasher *auth.Hasher, username, password string) (domain.UserID, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", errors.New("username must not be empty")
	}
	if len([]rune(password)) < minPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	hash, err := hasher.Hash(password)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return store.UpsertOperator(ctx, username, hash)
}
