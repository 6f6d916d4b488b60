package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ssuji15/jobrunner/internal/component"
	"github.com/ssuji15/jobrunner/internal/config"
	"github.com/ssuji15/jobrunner/internal/job_tracer"
	"github.com/ssuji15/jobrunner/internal/service/logger"
)

const callbackJobID = "callback"

func main() {
	_ = godotenv.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.SERVICE_NAME)

	rcfg, err := config.GetRunnerConfig(callbackJobID, "")
	if err != nil {
		log.Fatalf("runner config error: %v", err)
	}
	logger.SetDebug(rcfg.DEBUG)

	if cfg.TRACE_URL != "" {
		tp, err := job_tracer.InitTracer(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
		if err != nil {
			log.Fatalf("error initialising trace: %v", err)
		}
		defer tp.Shutdown(ctx)
	}

	var prov map[string]any
	if rcfg.PROV_FILE != "" {
		prov, err = loadProvenance(rcfg.PROV_FILE)
		if err != nil {
			log.Fatalf("provenance file error: %v", err)
		}
	}

	// the callback server is reached through this URL by modules under test
	_ = os.Setenv("SDK_CALLBACK_URL", rcfg.CallbackURL())

	r, err := component.GetRunner(ctx, cfg, rcfg, nil)
	if err != nil {
		log.Fatalf("runner initialization error: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Log.Info().Msg("trying to shutdown callback server gracefully...")
		r.JobRunner.Stop()
	}()

	if err := r.JobRunner.RunCallback(ctx, prov); err != nil {
		logger.Log.Error().Err(err).Msg("callback server stopped with an error")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	r.ShutDown(sctx)
}

// loadProvenance reads job parameters used to seed provenance. They must
// carry method, service_ver and a params list.
func loadProvenance(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p map[string]any
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, k := range []string{"method", "service_ver", "params"} {
		if _, ok := p[k]; !ok {
			return nil, fmt.Errorf("provenance file is missing %s", k)
		}
	}
	if _, ok := p["params"].([]any); !ok {
		return nil, fmt.Errorf("params in provenance file isn't a list")
	}
	return p, nil
}
