package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/meddexhq/deidentify/internal/config"
	"github.com/meddexhq/deidentify/internal/consistency"
	"github.com/meddexhq/deidentify/internal/deid"
	"github.com/meddexhq/deidentify/internal/detect"
	"github.com/meddexhq/deidentify/internal/pipeline"
	"github.com/meddexhq/deidentify/internal/record"
)

// scanResult is one line of scanner output. Findings reference values
// by digest only, so the report itself is safe to share.
type scanResult struct {
	Line     int              `json:"line"`
	Findings []detect.Finding `json:"findings"`
}

func main() {
	input := flag.String("input", "", "Input NDJSON file, - for stdin")
	output := flag.String("output", "", "Report output, - for stdout")
	configPath := flag.String("config", "", "Configuration file path")
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

	// Scanning never transforms, so state derivation is irrelevant; the
	// in-memory store only satisfies the engine's wiring.
	store := consistency.NewMemoryStore(consistency.RandomDeriver{
		MaxShiftDays: cfg.Deidentification.MaxDateShiftDays,
	})
	svc, err := deid.NewService(&cfg.Deidentification, store)
	if err != nil {
		logger.Fatal("Failed to initialize engine", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	in := os.Stdin
	if *input != "" && *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			logger.Fatal("Failed to open input", zap.Error(err))
		}
		defer f.Close()
		in = f
	}

	out := os.Stdout
	if *output != "" && *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			logger.Fatal("Failed to create output", zap.Error(err))
		}
		defer f.Close()
		out = f
	}

	src := pipeline.NewNDJSONSource(in)
	enc := json.NewEncoder(out)

	var scanned, flagged, malformed int
	categories := make(map[string]int)
	for {
		rec, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, record.ErrMalformed) {
				malformed++
				logger.Warn("Skipping malformed record", zap.Error(err))
				continue
			}
			logger.Fatal("Failed to read input", zap.Error(err))
		}

		findings, err := svc.DetectOnly(ctx, rec)
		if err != nil {
			malformed++
			logger.Warn("Skipping malformed record", zap.Error(err))
			continue
		}
		scanned++
		if len(findings) == 0 {
			continue
		}
		flagged++
		for _, f := range findings {
			categories[string(f.Category)]++
		}
		if err := enc.Encode(scanResult{Line: src.Line(), Findings: findings}); err != nil {
			logger.Fatal("Failed to write report", zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.Int("scanned", scanned),
		zap.Int("flagged", flagged),
		zap.Int("malformed", malformed),
	}
	for category, count := range categories {
		fields = append(fields, zap.Int("category_"+category, count))
	}
	logger.Info("Scan complete", fields...)
}
