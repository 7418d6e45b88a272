// Command seed inserts a login identity for local development.
//
//	go run ./cmd/seed -email alice@example.com -password 'correct horse' -name Alice
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/r2r72/authcore/internal/config"
	"github.com/r2r72/authcore/internal/credential"
	"github.com/r2r72/authcore/internal/repository/pg"
	"github.com/r2r72/authcore/internal/service/auth"
)

func main() {
	email := flag.String("email", "", "login email (required)")
	password := flag.String("password", "", "plaintext password (required)")
	name := flag.String("name", "", "display name")
	flag.Parse()

	if err := run(*email, *password, *name); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run(email, password, name string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return errors.New("-email and -password are required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL must be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.RunMigrations {
		if err := pg.RunMigrations(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	db, err := pg.NewDB(ctx, cfg.DatabaseURL, pg.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	hasher, err := credential.NewHasher(cfg.BcryptCost)
	if err != nil {
		return err
	}
	hash, err := hasher.Hash(password)
	if err != nil {
		return err
	}

	identity := &auth.Identity{
		ID:          uuid.NewString(),
		Email:       email,
		SecretHash:  hash,
		DisplayName: name,
	}
	if err := pg.NewUserRepository(db).CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, pg.ErrEmailTaken) {
			return fmt.Errorf("%s already exists", email)
		}
		return err
	}

	fmt.Printf("created %s (%s)\n", identity.Email, identity.ID)
	return nil
}
