// Package main is a development utility for minting a test JWT and a random
// field-encryption key so developers can exercise the API locally without a
// real identity provider. It prints an export line for ENCRYPTION_KEY and a
// curl-ready bearer token. Do not use generated tokens in production; issue
// them through the platform's SSO gateway with proper expiry and audience.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	tenantID := flag.String("tenant", "tenant-dev", "tenant_id claim")
	userID := flag.String("user", "user-dev", "user_id claim")
	role := flag.String("role", "admin", "role claim")
	department := flag.String("department", "engineering", "department claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("PPA_JWT_SECRET")
	if secret == "" {
		log.Fatal("PPA_JWT_SECRET must be set; generate one with: openssl rand -hex 32")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"user_id":    *userID,
		"tenant_id":  *tenantID,
		"role":       *role,
		"department": *department,
		"sub":        *userID,
		"iat":        now.Unix(),
		"exp":        now.Add(*ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		log.Fatal(err)
	}

	// The field cipher wants exactly 32 key bytes; 16 random bytes hex-encode
	// to a 32-character string that survives any env plumbing.
	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Development credentials")
	fmt.Println("=======================")
	fmt.Printf("export ENCRYPTION_KEY=%s\n", hex.EncodeToString(keyBytes))
	fmt.Println()
	fmt.Printf("Bearer token (tenant=%s user=%s role=%s, expires %s):\n",
		*tenantID, *userID, *role, now.Add(*ttl).Format(time.RFC3339))
	fmt.Println(token)
	fmt.Println()
	fmt.Println("Example:")
	fmt.Printf("  curl -H \"Authorization: Bearer %s\" http://localhost:8080/api/v1/events\n", token)
}
