// Package main provides a small CLI for minting API tokens.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/forgelabs/build-plane/internal/auth"
	"github.com/forgelabs/build-plane/pkg/logger"
)

func main() {
	subject := flag.String("subject", "cli", "token subject")
	expiry := flag.Duration("expiry", 24*time.Hour, "token validity")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if len(secret) < 32 {
		fmt.Fprintln(os.Stderr, "JWT_SECRET must be set and at least 32 characters")
		os.Exit(1)
	}

	svc := auth.NewService(&auth.Config{
		JWTSecret:   []byte(secret),
		TokenExpiry: *expiry,
	}, logger.Default().Logger)

	token, err := svc.GenerateToken(*subject)
	if err != nil {
		fmt.Fprintln(os.Stderr, "generating token:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
