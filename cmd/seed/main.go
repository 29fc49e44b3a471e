// Package main implements a one-shot seed command that creates an admin user
// (and, optionally, a starter project) directly in the control-plane
// database. It lives inside the server module so it can access
// server/internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --email admin@example.com \
//	  --password secret \
//	  --name "Admin User" \
//	  --role admin \
//	  --project "getting-started"
//
// Environment variables:
//
//	FLEETCORE_DB_DRIVER   sqlite or postgres (default: sqlite)
//	FLEETCORE_DB_DSN      SQLite file path or Postgres DSN (default: ./fleetcore.db)
//	FLEETCORE_SECRET_KEY  Master encryption key — must match the value used by the server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetcore/control-plane/internal/auth"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/project"
	"github.com/fleetcore/control-plane/internal/repository"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── Flags ────────────────────────────────────────────────────────────────

	email := flag.String("email", "", "User email (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	name := flag.String("name", "Admin User", "Display name")
	role := flag.String("role", "admin", "Role: admin or viewer")
	projectName := flag.String("project", "", "Optional: also create a starter project owned by this user")
	flag.Parse()

	if *email == "" {
		return fmt.Errorf("--email is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}
	if *role != "admin" && *role != "viewer" {
		return fmt.Errorf("--role must be 'admin' or 'viewer'")
	}

	// ─── Config ───────────────────────────────────────────────────────────────

	dsn := envOrDefault("FLEETCORE_DB_DSN", "./fleetcore.db")

	secretKey := os.Getenv("FLEETCORE_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"FLEETCORE_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the server, otherwise the\n" +
				"  encrypted password will be unreadable at login time.",
		)
	}

	// ─── Encryption ───────────────────────────────────────────────────────────

	// InitEncryption must be called before any DB operation so that
	// EncryptedString fields are encoded correctly on write. The key is
	// padded or truncated to 32 bytes exactly as the server does it.
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	// ─── Database ─────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	gormDB, err := db.New(db.Config{
		Driver:   envOrDefault("FLEETCORE_DB_DRIVER", "sqlite"),
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// ─── Hash password ────────────────────────────────────────────────────────

	hashed, err := auth.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	// ─── Create user ──────────────────────────────────────────────────────────

	userRepo := repository.NewUserRepository(gormDB)

	user := &db.User{
		Email:           *email,
		TokenIdentifier: *email,
		Name:            *name,
		Password:        db.EncryptedString(hashed),
		Role:            *role,
		IsActive:        true,
	}

	if err := userRepo.Create(context.Background(), user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("a user with email %q already exists", *email)
		}
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("user created\n")
	fmt.Printf("  ID:    %s\n", user.ID)
	fmt.Printf("  Email: %s\n", user.Email)
	fmt.Printf("  Name:  %s\n", user.Name)
	fmt.Printf("  Role:  %s\n", user.Role)

	// ─── Optional starter project ─────────────────────────────────────────────

	if *projectName != "" {
		projectSvc := project.NewService(
			repository.NewProjectRepository(gormDB),
			repository.NewProjectMemberRepository(gormDB),
			repository.NewProjectPolicyRepository(gormDB),
		)
		p, err := projectSvc.Create(context.Background(), user.ID, *projectName)
		if err != nil {
			return fmt.Errorf("create starter project: %w", err)
		}
		fmt.Printf("project created\n")
		fmt.Printf("  ID:   %s\n", p.ID)
		fmt.Printf("  Name: %s\n", p.Name)
	}

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
