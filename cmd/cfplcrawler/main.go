package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/cfpl-crawler/internal/config"
	"github.com/JakeFAU/cfpl-crawler/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return 1
	}

	ctx := context.Background()
	app, err := server.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		return 1
	}

	rep, err := app.Run(ctx)
	logger := zap.L().With(zap.String("job_id", app.JobID()))
	if err != nil {
		logger.Error("job failed", zap.Error(err))
		return 1
	}
	logger.Info("crawl complete",
		zap.String("reason", string(rep.Reason)),
		zap.Int("pages_fetched", rep.PagesFetched),
		zap.Int64("bytes_stored", rep.BytesStored),
		zap.Int("domains_seen", rep.DomainsSeen),
		zap.Int("errors", rep.Errors),
		zap.Int("dead", len(rep.DeadURLs)),
		zap.Duration("duration", rep.Duration()),
	)
	return 0
}
