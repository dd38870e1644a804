package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/scripthub/licensing/internal/adapters/repository"
	"github.com/scripthub/licensing/internal/core/domain"
	"github.com/scripthub/licensing/internal/core/ports"
	"github.com/scripthub/licensing/internal/infrastructure/config"
)

const usage = "expected 'create', 'list' or 'revoke' subcommands"

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := sql.Open("pgx", cfg.Database.GetDSN())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("failed to close database: %v", err)
		}
	}()

	if err := run(os.Args, os.Stdout, repository.NewPostgresRepository(db)); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, repo ports.APIKeyRepository) error {
	if len(args) < 2 {
		return errors.New(usage)
	}

	switch args[1] {
	case "create":
		cmd := flag.NewFlagSet("create", flag.ContinueOnError)
		cmd.SetOutput(out)
		userID := cmd.String("user", "", "Owning user ID")
		name := cmd.String("name", "generic-key", "Description of the key")
		days := cmd.Int("days", 365, "Validity in days, 0 for no expiry")
		if err := cmd.Parse(args[2:]); err != nil {
			return fmt.Errorf("failed to parse create flags: %w", err)
		}
		return generateKey(repo, *userID, *name, *days, out)
	case "list":
		cmd := flag.NewFlagSet("list", flag.ContinueOnError)
		cmd.SetOutput(out)
		userID := cmd.String("user", "", "Owning user ID")
		if err := cmd.Parse(args[2:]); err != nil {
			return fmt.Errorf("failed to parse list flags: %w", err)
		}
		return listKeys(repo, *userID, out)
	case "revoke":
		cmd := flag.NewFlagSet("revoke", flag.ContinueOnError)
		cmd.SetOutput(out)
		userID := cmd.String("user", "", "Owning user ID")
		id := cmd.String("id", "", "API Key UUID to revoke")
		if err := cmd.Parse(args[2:]); err != nil {
			return fmt.Errorf("failed to parse revoke flags: %w", err)
		}
		return revokeKey(repo, *userID, *id, out)
	default:
		return fmt.Errorf("unknown subcommand: %s", args[1])
	}
}

func generateKey(repo ports.APIKeyRepository, userID, name string, days int, out io.Writer) error {
	if userID == "" {
		return errors.New("-user is required")
	}
	if days < 0 {
		return errors.New("-days must not be negative")
	}

	rawKey := make([]byte, 16)
	if _, err := rand.Read(rawKey); err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	keyString := domain.APIKeyPrefix + hex.EncodeToString(rawKey)

	hash := sha256.Sum256([]byte(keyString))
	keyHash := hex.EncodeToString(hash[:])

	now := time.Now().UTC()
	apiKey := &domain.APIKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		KeyHash:   keyHash,
		KeyPrefix: keyString[:8],
		Active:    true,
		CreatedAt: now,
	}
	expires := "never"
	if days > 0 {
		expiresAt := now.AddDate(0, 0, days)
		apiKey.ExpiresAt = &expiresAt
		expires = expiresAt.Format(time.RFC3339)
	}

	if err := repo.CreateAPIKey(context.Background(), apiKey); err != nil {
		return fmt.Errorf("failed to save API key: %w", err)
	}

	fmt.Fprintf(out, "API Key Created Successfully!\n")
	fmt.Fprintf(out, "---------------------------\n")
	fmt.Fprintf(out, "ID:         %s\n", apiKey.ID)
	fmt.Fprintf(out, "User:       %s\n", userID)
	fmt.Fprintf(out, "Expires:    %s\n", expires)
	fmt.Fprintf(out, "VALUE:      %s\n", keyString)
	fmt.Fprintf(out, "---------------------------\n")
	fmt.Fprintf(out, "CAUTION: This is the only time the key will be shown.\n")
	return nil
}

func listKeys(repo ports.APIKeyRepository, userID string, out io.Writer) error {
	if userID == "" {
		return errors.New("-user is required")
	}
	keys, err := repo.ListAPIKeys(context.Background(), userID)
	if err != nil {
		return fmt.Errorf("failed to list API keys: %w", err)
	}

	fmt.Fprintf(out, "API Keys for User: %s\n", userID)
	fmt.Fprintf(out, "%-36s %-15s %-8s %-7s\n", "ID", "Name", "Prefix", "Status")
	for _, k := range keys {
		status := "active"
		if !k.Active {
			status = "revoked"
		}
		fmt.Fprintf(out, "%-36s %-15s %-8s %-7s\n", k.ID, k.Name, k.KeyPrefix, status)
	}
	return nil
}

func revokeKey(repo ports.APIKeyRepository, userID, id string, out io.Writer) error {
	if userID == "" || id == "" {
		return errors.New("-user and -id are required for revocation")
	}
	if err := repo.RevokeAPIKey(context.Background(), userID, id); err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	fmt.Fprintf(out, "API Key %s revoked\n", id)
	return nil
}
