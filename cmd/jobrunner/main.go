package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ssuji15/jobrunner/internal/clients/ee2"
	"github.com/ssuji15/jobrunner/internal/component"
	"github.com/ssuji15/jobrunner/internal/config"
	"github.com/ssuji15/jobrunner/internal/job_tracer"
	"github.com/ssuji15/jobrunner/internal/service/logger"
	"github.com/ssuji15/jobrunner/model"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: jobrunner <job_id> <ee2_url>")
		os.Exit(1)
	}
	jobID, ee2URL := os.Args[1], os.Args[2]

	_ = godotenv.Load()
	ctx := context.Background()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.SERVICE_NAME)

	rcfg, err := config.GetRunnerConfig(jobID, ee2URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "runner config error: %v\n", err)
		os.Exit(2)
	}
	logger.SetDebug(rcfg.DEBUG)

	if cfg.TRACE_URL != "" {
		tp, err := job_tracer.InitTracer(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
		if err != nil {
			log.Fatalf("error initialising trace: %v", err)
		}
		defer tp.Shutdown(ctx)
	}

	jc := ee2.New(rcfg.EE2_URL, rcfg.TOKEN)
	r, err := component.GetRunner(ctx, cfg, rcfg, jc)
	if err != nil {
		logger.Log.Error().Err(err).Msg("runner initialization error")
		os.Exit(2)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-stop
		logger.Log.Warn().Str("signal", sig.String()).Msg("received a signal, canceling job")
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := jc.CancelJob(cctx, jobID, ee2.TerminatedByAutomation); err != nil {
			logger.Log.Error().Err(err).Msg("unable to report cancellation")
		}
		r.Inbound.Put(model.Message{Kind: model.MessageCancel})
	}()

	logger.Log.Info().Str("job_id", jobID).Msg("about to run job")
	_, runErr := r.JobRunner.Run(ctx)

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.ShutDown(sctx)

	if runErr != nil {
		logger.Log.Error().Err(runErr).Str("job_id", jobID).Msg("an unhandled error was encountered")
		os.Exit(2)
	}
	logger.Log.Info().Str("job_id", jobID).Msg("job is done")
}
