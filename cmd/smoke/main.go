package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"accessdesk.org/internal/apiclient"
)

func main() {
	base := os.Getenv("ACCESSDESK_BASE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	admin := apiclient.New(base, "smoke-admin", nil)
	if err := admin.Health(ctx); err != nil {
		log.Fatalf("readyz at %s: %v", base, err)
	}

	secret := uuid.NewString()
	fx, err := admin.SeedPAMRequest(ctx, "Smoke "+uuid.NewString()[:8], "owner@smoke.test", secret)
	if err != nil {
		log.Fatalf("seed: %v", err)
	}

	first, err := admin.As("smoke-a").Checkout(ctx, fx.RequestID, fx.ItemID)
	if err != nil {
		log.Fatalf("checkout A: %v", err)
	}
	if first.Credentials.Password != secret {
		log.Fatalf("checkout returned a different secret")
	}
	if _, err := admin.As("smoke-b").Checkout(ctx, fx.RequestID, fx.ItemID); apiclient.StatusOf(err) != 409 {
		log.Fatalf("second checkout: expected 409, got %v", err)
	}
	if _, err := admin.As("smoke-a").Checkin(ctx, first.SessionID); err != nil {
		log.Fatalf("checkin: %v", err)
	}
	second, err := admin.As("smoke-b").Checkout(ctx, fx.RequestID, fx.ItemID)
	if err != nil {
		log.Fatalf("checkout B after checkin: %v", err)
	}
	if _, err := admin.As("smoke-b").Checkin(ctx, second.SessionID); err != nil {
		log.Fatalf("checkin B: %v", err)
	}

	req, err := admin.GetRequest(ctx, fx.RequestID)
	if err != nil {
		log.Fatalf("get request: %v", err)
	}
	if req.CompletedAt == nil {
		log.Fatalf("request %s not completed after credential submission", req.ID)
	}

	fmt.Printf("✅ accessdesk smoke test passed: request=%s sessions=%s,%s\n", fx.RequestID, first.SessionID, second.SessionID)
}
