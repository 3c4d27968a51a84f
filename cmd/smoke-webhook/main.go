package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sunway24/dealbridge/internal/auth"
)

type reply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

func main() {
	log.SetFlags(0)
	var (
		baseURL = flag.String("url", envOr("DEALBRIDGE_SMOKE_URL", "http://localhost:8001"), "Base URL of a running instance")
		dealID  = flag.String("deal", "", "Deal id to post (required)")
		secret  = flag.String("secret", os.Getenv("DEALBRIDGE_WEBHOOK_SECRET"), "Webhook secret; when set a token is attached")
	)
	flag.Parse()
	if *dealID == "" {
		log.Fatal("usage: smoke-webhook -deal <id> [-url http://host:port]")
	}
	base := strings.TrimSuffix(*baseURL, "/")
	client := &http.Client{Timeout: 30 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var health reply
	if code, err := call(ctx, client, http.MethodGet, base+"/health", nil, "", &health); err != nil || code != http.StatusOK || health.Status != "healthy" {
		log.Fatalf("health check failed: code=%d status=%q err=%v", code, health.Status, err)
	}

	token := ""
	if *secret != "" {
		var err error
		token, err = auth.GenerateWebhookToken(*secret, "smoke-webhook", 5*time.Minute)
		if err != nil {
			log.Fatalf("token: %v", err)
		}
	}

	body := map[string]any{"data": map[string]any{"FIELDS": map[string]any{"ID": *dealID}}}
	var first, second reply
	code, err := call(ctx, client, http.MethodPost, base+"/webhook/deal_update", body, token, &first)
	if err != nil {
		log.Fatalf("deal_update: %v", err)
	}
	if code != http.StatusOK {
		log.Fatalf("deal_update returned %d: %s %s", code, first.Status, first.Message)
	}
	fmt.Printf("first delivery: %s (%s)\n", first.Status, first.Message)

	if _, err := call(ctx, client, http.MethodPost, base+"/webhook/deal_update", body, token, &second); err != nil {
		log.Fatalf("deal_update repeat: %v", err)
	}
	if first.Status == "success" && second.Status != "info" {
		log.Fatalf("repeat delivery was not suppressed: %s %s", second.Status, second.Message)
	}

	fmt.Printf("✅ webhook smoke test passed for deal %s\n", *dealID)
}

func call(ctx context.Context, client *http.Client, method, url string, body any, token string, out any) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
