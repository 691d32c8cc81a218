package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/meddexhq/deidentify/internal/attest"
	"github.com/meddexhq/deidentify/internal/audit"
	"github.com/meddexhq/deidentify/internal/config"
	"github.com/meddexhq/deidentify/internal/consistency"
	"github.com/meddexhq/deidentify/internal/database"
	"github.com/meddexhq/deidentify/internal/deid"
	"github.com/meddexhq/deidentify/internal/encryption"
	"github.com/meddexhq/deidentify/internal/pipeline"
)

func main() {
	input := flag.String("input", "", "Input file, - for stdin")
	output := flag.String("output", "", "Output file, - for stdout")
	configPath := flag.String("config", "", "Configuration file path")
	format := flag.String("format", "ndjson", "Input format: ndjson or fhir")
	source := flag.String("source", "file", "Record source: file or mongo")
	collection := flag.String("collection", "", "Mongo collection to read when -source mongo")
	initStore := flag.Bool("init-store", false, "Create the store schema before processing")
	attestOut := flag.String("attest-out", "", "Write the signed run attestation to this file")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Error loading .env file: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup := buildStore(ctx, logger, cfg, *initStore)
	defer cleanup()

	auditService := buildAudit(logger, cfg)

	if *format == "fhir" {
		// Bundle rebuild needs results in input order.
		cfg.Deidentification.Workers = 1
	}

	opts := []deid.Option{deid.WithAudit(auditService)}
	if *format == "fhir" {
		opts = append(opts, deid.WithKeyFunc(pipeline.PatientRef))
	}

	svc, err := deid.NewService(&cfg.Deidentification, store, opts...)
	if err != nil {
		logger.Fatal("Failed to initialize engine", zap.Error(err))
	}

	out, closeOut := openOutput(logger, *output)
	defer closeOut()

	var summary *deid.RunSummary
	var runErr error

	switch *format {
	case "ndjson":
		src, closeSrc := openSource(ctx, logger, cfg, *source, *input, *collection)
		writer := pipeline.NewNDJSONWriter(out)
		summary, runErr = svc.DeidentifyBatch(ctx, src, func(res *deid.Result) error {
			if res.Outcome != deid.OutcomeAccepted {
				return nil
			}
			return writer.Write(res.Record)
		})
		if err := writer.Flush(); err != nil {
			logger.Fatal("Failed to flush output", zap.Error(err))
		}
		closeSrc()
	case "fhir":
		if *source != "file" {
			logger.Fatal("FHIR bundles are only read from files")
		}
		summary, runErr = processBundle(ctx, logger, svc, *input, out)
	default:
		logger.Fatal("Unknown format", zap.String("format", *format))
	}

	if runErr != nil {
		logger.Fatal("Run aborted", zap.Error(runErr))
	}

	logger.Info("Run complete",
		zap.String("run_id", summary.RunID),
		zap.String("mode", summary.Mode),
		zap.Int("accepted", summary.Accepted),
		zap.Int("rejected", summary.Rejected),
		zap.Int("failed", summary.Failed),
		zap.Int("flagged", summary.Flagged),
	)

	if *attestOut != "" {
		writeAttestation(logger, cfg, summary, *attestOut)
	}
}

// processBundle runs a FHIR bundle through the engine sequentially and
// rebuilds it. Any rejected or failed resource fails the whole bundle,
// since a partial bundle would silently drop resources.
func processBundle(ctx context.Context, logger *zap.Logger, svc deid.Service, input string, out io.Writer) (*deid.RunSummary, error) {
	in, closeIn := openInput(logger, input)
	defer closeIn()

	data, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	bundle, err := pipeline.ParseBundle(data)
	if err != nil {
		return nil, err
	}

	records := make([]map[string]any, 0, len(bundle.Entries))
	summary, err := svc.DeidentifyBatch(ctx, bundle.Source(), func(res *deid.Result) error {
		if res.Outcome != deid.OutcomeAccepted {
			if res.Err != nil {
				return fmt.Errorf("resource %s: %w", res.CorrelationID, res.Err)
			}
			return fmt.Errorf("resource %s was %s", res.CorrelationID, res.Outcome)
		}
		records = append(records, res.Record)
		return nil
	})
	if err != nil {
		return summary, err
	}

	if err := bundle.ReplaceResources(records); err != nil {
		return summary, err
	}
	rendered, err := bundle.JSON()
	if err != nil {
		return summary, err
	}
	if _, err := out.Write(append(rendered, '\n')); err != nil {
		return summary, fmt.Errorf("failed to write bundle: %w", err)
	}
	return summary, nil
}

func openSource(ctx context.Context, logger *zap.Logger, cfg *config.Config, source, input, collection string) (pipeline.Source, func()) {
	switch source {
	case "file":
		in, closeIn := openInput(logger, input)
		return pipeline.NewNDJSONSource(in), closeIn
	case "mongo":
		if collection == "" {
			logger.Fatal("Mongo source requires -collection")
		}
		client, err := database.NewMongoClient(ctx, cfg.Store.Mongo)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		src := pipeline.NewMongoSource(client.Database(cfg.Store.Mongo.Database).Collection(collection), nil)
		return src, func() {
			_ = src.Close(ctx)
			_ = client.Disconnect(ctx)
		}
	default:
		logger.Fatal("Unknown source", zap.String("source", source))
		return nil, nil
	}
}

func openInput(logger *zap.Logger, path string) (io.Reader, func()) {
	if path == "" {
		logger.Fatal("Input is required. Use -input, or - for stdin")
	}
	if path == "-" {
		return os.Stdin, func() {}
	}
	f, err := os.Open(path)
	if err != nil {
		logger.Fatal("Failed to open input", zap.Error(err))
	}
	return f, func() { f.Close() }
}

func openOutput(logger *zap.Logger, path string) (io.Writer, func()) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}
	}
	f, err := os.Create(path)
	if err != nil {
		logger.Fatal("Failed to create output", zap.Error(err))
	}
	return f, func() { f.Close() }
}

func buildStore(ctx context.Context, logger *zap.Logger, cfg *config.Config, initStore bool) (consistency.Store, func()) {
	deriver := buildDeriver(logger, &cfg.Deidentification)
	cipher := buildCipher(logger)

	switch cfg.Store.Type {
	case "postgres":
		pool, err := database.Connect(ctx, cfg.Store.Postgres)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		store := consistency.NewPostgresStore(pool, deriver)
		if cipher != nil {
			store.EncryptSalts(cipher)
		}
		if initStore {
			if err := store.Initialize(ctx); err != nil {
				logger.Fatal("Failed to initialize store schema", zap.Error(err))
			}
		}
		return store, func() { database.Disconnect(pool) }
	case "mongo":
		client, err := database.NewMongoClient(ctx, cfg.Store.Mongo)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		store := consistency.NewMongoStore(client.Database(cfg.Store.Mongo.Database), deriver)
		if cipher != nil {
			store.EncryptSalts(cipher)
		}
		return store, func() { _ = client.Disconnect(ctx) }
	default:
		return consistency.NewMemoryStore(deriver), func() {}
	}
}

// buildCipher loads the optional state encryption key. A missing key
// means salts are stored in the clear, which is fine for the in-memory
// backend and a deliberate choice for the persistent ones.
func buildCipher(logger *zap.Logger) *encryption.Cipher {
	key, err := encryption.LoadKey()
	if err != nil {
		if errors.Is(err, encryption.ErrNoKey) {
			return nil
		}
		logger.Fatal("Failed to load state encryption key", zap.Error(err))
	}
	cipher, err := encryption.New(key)
	if err != nil {
		logger.Fatal("Failed to build state cipher", zap.Error(err))
	}
	logger.Info("State encryption enabled")
	return cipher
}

func buildDeriver(logger *zap.Logger, d *config.Deidentification) consistency.Deriver {
	key, err := consistency.LoadMasterKey()
	if err != nil {
		if errors.Is(err, consistency.ErrNoMasterKey) {
			return consistency.RandomDeriver{
				MaxShiftDays: d.MaxDateShiftDays,
				WeekAligned:  d.PreserveDayOfWeek,
			}
		}
		logger.Fatal("Failed to load master key", zap.Error(err))
	}
	deriver, err := consistency.NewKeyedDeriver(key, d.MaxDateShiftDays, d.PreserveDayOfWeek)
	if err != nil {
		logger.Fatal("Failed to build keyed deriver", zap.Error(err))
	}
	logger.Info("Using keyed state derivation")
	return deriver
}

func buildAudit(logger *zap.Logger, cfg *config.Config) audit.Service {
	es := cfg.Audit.Elasticsearch
	if !es.Enabled {
		return audit.NewLogService()
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: es.Addresses,
		Username:  es.Username,
		Password:  es.Password,
	})
	if err != nil {
		logger.Fatal("Failed to connect to Elasticsearch", zap.Error(err))
	}
	return audit.NewService(client)
}

func writeAttestation(logger *zap.Logger, cfg *config.Config, summary *deid.RunSummary, path string) {
	if !cfg.Attestation.Enabled {
		logger.Warn("Attestation requested but not enabled in configuration")
		return
	}
	signer, err := attest.NewSigner(cfg.Attestation.Secret, time.Duration(cfg.Attestation.TTLHours)*time.Hour)
	if err != nil {
		logger.Fatal("Failed to build attestation signer", zap.Error(err))
	}

	categories := make([]string, 0, len(summary.Categories))
	for c := range summary.Categories {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	token, err := signer.Issue(attest.Statement{
		RunID:      summary.RunID,
		ConfigHash: summary.ConfigHash,
		Mode:       summary.Mode,
		Accepted:   summary.Accepted,
		Rejected:   summary.Rejected,
		Failed:     summary.Failed,
		Categories: categories,
	})
	if err != nil {
		logger.Fatal("Failed to issue attestation", zap.Error(err))
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		logger.Fatal("Failed to write attestation", zap.Error(err))
	}
	logger.Info("Attestation written", zap.String("path", path))
}
