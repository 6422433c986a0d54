// Package main implements the ingest CLI for reference documents.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"alfredoptarigan/cv-evaluation-pipeline/internal/app"
	"alfredoptarigan/cv-evaluation-pipeline/internal/config"
	"alfredoptarigan/cv-evaluation-pipeline/internal/logger"
	"alfredoptarigan/cv-evaluation-pipeline/internal/services"
)

var rootCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Manage reference documents used for retrieval",
	Long: "Ingest, update, delete and audit the job descriptions, case study briefs and " +
		"scoring rubrics that ground CV and project report evaluations.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var (
	cfg       *config.Config
	log       *zap.Logger
	ingestion services.IngestionService
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if log != nil {
		_ = log.Sync()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	cfg = config.Load()

	var err error
	log, err = logger.New(cfg.Log.JSON, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	db, err := config.InitDatabase(cfg, log)
	if err != nil {
		return err
	}

	storage := services.NewStorageService(cfg.Storage.UploadPath)
	providers, err := app.NewProviders(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}

	ingestion = app.NewIngestion(cfg, db, storage, providers, log)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
