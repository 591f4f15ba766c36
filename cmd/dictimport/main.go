package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/etl"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		inputFile  = flag.String("input", "", "Dictionary file (CSV, Parquet, or JSON lines)")
		batchSize  = flag.Int("batch-size", 500, "Rows per upsert batch")
		category   = flag.String("category", "", "Category for rows without one")
		dryRun     = flag.Bool("dry-run", false, "Validate into an in-memory store, don't write to the database")
		showStats  = flag.Bool("stats", false, "Show database statistics and exit")
	)
	flag.Parse()

	if *inputFile == "" && !*showStats {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input names.csv --category first_name\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input dictionary.parquet --batch-size 1000\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input hosts.jsonl --dry-run\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --stats\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting dictionary import",
		zap.String("version", "0.1.0"),
		zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling import...")
		cancel()
	}()

	st, err := openStore(cfg, *dryRun, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	if *showStats {
		if err := printStats(ctx, st); err != nil {
			log.Fatal("Failed to show stats", zap.Error(err))
		}
		return
	}

	etlConfig := etl.DefaultConfig()
	etlConfig.BatchSize = *batchSize
	etlConfig.DefaultCategory = *category

	if err := importFile(ctx, st, etlConfig, *inputFile, log); err != nil {
		log.Fatal("Dictionary import failed", zap.Error(err))
	}
	log.Info("Dictionary import completed successfully", zap.Bool("dry_run", *dryRun))
}

func openStore(cfg *config.Config, dryRun bool, log *logger.Logger) (store.Store, error) {
	if dryRun {
		return store.NewMemoryStore(), nil
	}
	if !cfg.Database.Enabled {
		return nil, fmt.Errorf("database is disabled in configuration; use --dry-run to validate only")
	}
	return store.NewPostgresStore(cfg.Database, log)
}

// importFile loads the input file into the dictionary table
func importFile(ctx context.Context, st store.Store, etlConfig etl.Config, inputFile string, log *logger.Logger) error {
	if _, err := os.Stat(inputFile); os.IsNotExist(err) {
		return fmt.Errorf("input file does not exist: %s", inputFile)
	}

	result, err := etl.NewImporter(st, etlConfig, log).ImportFile(ctx, inputFile)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	log.Info("Dictionary file processed",
		zap.String("file", inputFile),
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("upserted", result.Upserted),
		zap.Int64("invalid", result.Invalid),
		zap.Int64("duplicates", result.Duplicates),
		zap.Int64("failed", result.Failed),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("database_time", result.DatabaseTime))

	for _, ve := range result.Errors {
		log.Warn("Invalid row", zap.Int64("row", ve.Row), zap.String("field", ve.Field), zap.String("message", ve.Message))
	}
	return nil
}

// printStats displays current table counts
func printStats(ctx context.Context, st store.Store) error {
	stats, err := st.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get database stats: %w", err)
	}

	fmt.Printf("\n=== PII Gateway Store Statistics ===\n")
	fmt.Printf("Pseudonym mappings: %d\n", stats.Pseudonyms)
	fmt.Printf("Dictionary entries: %d\n", stats.DictionaryEntries)
	fmt.Printf("Audit entries:      %d\n", stats.AuditEntries)
	return nil
}
