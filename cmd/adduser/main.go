package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/splax/localship/internal/repository"
	"github.com/splax/localship/internal/repository/postgres"
	"github.com/splax/localship/internal/service/auth"
	"github.com/splax/localship/pkg/config"
	"github.com/splax/localship/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("localship-adduser", pflag.ContinueOnError)
	username := flagSet.StringP("username", "u", "", "operator username")
	password := flagSet.StringP("password", "p", "", "password (supply to avoid prompt)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if strings.TrimSpace(*username) == "" {
		return errors.New("--username is required")
	}

	secret := *password
	if secret == "" {
		var err error
		secret, err = promptPassword()
		if err != nil {
			return err
		}
	}

	cfg, err := config.LoadServerConfig()
	if err != nil {
		return err
	}
	log := logger.New("adduser", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	authSvc := auth.New(postgres.New(pool), cfg.JWTSecret, cfg.TokenTTL, log)
	user, err := authSvc.CreateUser(ctx, *username, secret)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("user %q already exists", *username)
		}
		return fmt.Errorf("create user: %w", err)
	}
	fmt.Printf("created user %s (%s)\n", user.Username, user.ID)
	return nil
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--password is required when stdin is not a terminal")
	}
	fmt.Print("Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	fmt.Print("Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}
