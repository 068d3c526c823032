// Command genflow drives a generation job from the terminal: it loads the
// domain profiles, submits a prompt to the chosen domain and prints progress
// until the job completes or fails.
//
// Usage:
//
//	genflow -config genflow.yaml -domain workout -prompt "chest day"
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/peakform/genflow/config"
	genpulse "github.com/peakform/genflow/features/record/pulse"
	pulseclient "github.com/peakform/genflow/features/record/pulse/clients/pulse"
	"github.com/peakform/genflow/generation"
	"github.com/peakform/genflow/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "genflow.yaml", "path to the domain profiles file")
		domain     = flag.String("domain", "", "generation domain to submit to")
		prompt     = flag.String("prompt", "", "prompt forwarded to the generation backend")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *domain, *prompt); err != nil {
		if errors.Is(err, generation.ErrCancelled) {
			log.Infof(ctx, "generation cancelled")
			os.Exit(130)
		}
		log.Fatalf(ctx, err, "generation failed")
	}
}

func run(ctx context.Context, configPath, domain, prompt string) error {
	if domain == "" || prompt == "" {
		return errors.New("both -domain and -prompt are required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	opts := []generation.Option{
		generation.WithLogger(telemetry.NewClueLogger()),
		generation.WithMetrics(telemetry.NewClueMetrics()),
		generation.WithTracer(telemetry.NewClueTracer()),
		generation.WithHooks(generation.Hooks{
			OnProgress: func(progress int, message string) {
				log.Infof(ctx, "%3d%% %s", progress, message)
			},
		}),
	}
	if cfg.Redis.Addr != "" {
		recorder, err := newRecorder(cfg, domain)
		if err != nil {
			return err
		}
		defer recorder.Close(ctx)
		opts = append(opts, generation.WithRecorder(recorder))
	}

	registry, err := generation.NewRegistry(cfg.Profiles(), opts...)
	if err != nil {
		return err
	}
	ctrl, err := registry.Controller(domain)
	if err != nil {
		return err
	}

	result, err := ctrl.Submit(ctx, map[string]string{"prompt": prompt})
	if err != nil {
		return err
	}

	var pretty any
	if len(result) > 0 {
		if err := json.Unmarshal(result, &pretty); err == nil {
			if out, err := json.MarshalIndent(pretty, "", "  "); err == nil {
				fmt.Println(string(out))
				return nil
			}
		}
	}
	fmt.Println(string(result))
	return nil
}

// newRecorder builds a Pulse audit recorder backed by the configured Redis.
func newRecorder(cfg *config.Config, domain string) (*genpulse.Recorder, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	client, err := pulseclient.New(pulseclient.Options{Redis: rdb})
	if err != nil {
		return nil, err
	}
	return genpulse.NewRecorder(genpulse.Options{Client: client, Domain: domain})
}
