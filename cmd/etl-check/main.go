// etl-check runs pre-flight diagnostics against a deployment: control-plane
// database, encryption key, event bus backend and the HTTP edge. Exit code 1
// when any check fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/etlmon/backend/internal/config"
	"github.com/etlmon/backend/internal/crypto"
	"github.com/etlmon/backend/internal/store"
)

type check struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) error
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	timeout := flag.Duration("timeout", 10*time.Second, "per-check timeout")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	checks := []check{
		{"control-plane database", checkDatabase},
		{"encryption key", checkEncryption},
		{"event bus backend", checkEventBus},
		{"http edge", checkHTTPEdge},
	}

	failed := 0
	for _, c := range checks {
		fmt.Printf("%-26s ", c.name)
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		err := c.run(ctx, cfg)
		cancel()
		if err != nil {
			failed++
			fmt.Printf("FAIL  %v\n", err)
			continue
		}
		fmt.Println("OK")
	}

	if failed > 0 {
		fmt.Printf("%d of %d checks failed\n", failed, len(checks))
		os.Exit(1)
	}
	fmt.Println("all checks passed")
}

// checkDatabase opens the control-plane store and verifies the loaders table
// is reachable, which proves both connectivity and applied schema.
func checkDatabase(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer st.Close()
	loaders, err := st.ListLoaders(ctx)
	if err != nil {
		return fmt.Errorf("query loaders: %w", err)
	}
	fmt.Printf("(%d loaders) ", len(loaders))
	return nil
}

func checkEncryption(_ context.Context, cfg *config.Config) error {
	codec, err := crypto.NewFieldCodec(cfg.Encryption.Key)
	if err != nil {
		return err
	}
	ct, err := codec.Encrypt("etl-check probe")
	if err != nil {
		return err
	}
	pt, err := codec.Decrypt(ct)
	if err != nil {
		return err
	}
	if pt != "etl-check probe" {
		return fmt.Errorf("roundtrip mismatch")
	}
	return nil
}

func checkEventBus(ctx context.Context, cfg *config.Config) error {
	switch cfg.Events.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
			DB:       cfg.Events.RedisDB,
		})
		defer client.Close()
		return client.Ping(ctx).Err()
	case "pubsub":
		if cfg.Events.PubSubProject == "" || cfg.Events.PubSubTopic == "" {
			return fmt.Errorf("pubsub backend needs pubsub_project and pubsub_topic")
		}
		return nil
	default:
		// Local bus has nothing external to probe.
		return nil
	}
}

func checkHTTPEdge(ctx context.Context, cfg *config.Config) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	return nil
}
