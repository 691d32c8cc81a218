package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/joho/godotenv"

	"github.com/meddexhq/deidentify/internal/audit"
	"github.com/meddexhq/deidentify/internal/config"
	"github.com/meddexhq/deidentify/internal/consistency"
	"github.com/meddexhq/deidentify/internal/database"
	"github.com/meddexhq/deidentify/internal/deid"
)

func main() {
	// Parse command line flags
	patientID := flag.String("patient-id", "", "Raw patient identifier to purge")
	patientKey := flag.String("patient-key", "", "Pseudonymous patient key to purge")
	actor := flag.String("actor", "", "Operator recorded in the audit trail")
	configPath := flag.String("config", "", "Configuration file path")
	flag.Parse()

	if (*patientID == "") == (*patientKey == "") {
		log.Fatal("Exactly one of -patient-id or -patient-key is required")
	}
	if *actor == "" {
		*actor = os.Getenv("USER")
	}
	if *actor == "" {
		log.Fatal("Actor is required. Use -actor or set USER")
	}

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Error loading .env file: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	key := *patientKey
	if key == "" {
		key = deid.PseudonymFor(*patientID)
	}

	ctx := context.Background()

	auditService := buildAudit(cfg)
	store, cleanup := buildStore(ctx, cfg)
	defer cleanup()

	err = store.Purge(ctx, key)
	purged := err == nil
	if err != nil && !errors.Is(err, consistency.ErrStateNotFound) {
		log.Fatalf("Failed to purge state: %v", err)
	}

	event := &audit.Event{
		EventType:  audit.EventStatePurged,
		PatientKey: key,
		Actor:      *actor,
		Outcome:    "purged",
	}
	if !purged {
		event.Outcome = "not_found"
	}
	if err := auditService.LogEvent(ctx, event); err != nil {
		log.Fatalf("Failed to log purge event: %v", err)
	}

	if purged {
		fmt.Printf("Purged consistency state for key %s\n", key)
		fmt.Println("Future records for this patient will receive fresh parameters")
	} else {
		fmt.Printf("No consistency state found for key %s\n", key)
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (consistency.Store, func()) {
	// Purge never derives new state, so the deriver is inert here.
	deriver := consistency.RandomDeriver{
		MaxShiftDays: cfg.Deidentification.MaxDateShiftDays,
		WeekAligned:  cfg.Deidentification.PreserveDayOfWeek,
	}

	switch cfg.Store.Type {
	case "postgres":
		pool, err := database.Connect(ctx, cfg.Store.Postgres)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		return consistency.NewPostgresStore(pool, deriver), func() { database.Disconnect(pool) }
	case "mongo":
		client, err := database.NewMongoClient(ctx, cfg.Store.Mongo)
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		store := consistency.NewMongoStore(client.Database(cfg.Store.Mongo.Database), deriver)
		return store, func() { _ = client.Disconnect(ctx) }
	default:
		log.Fatal("Purging requires a persistent store; configure postgres or mongo")
		return nil, nil
	}
}

func buildAudit(cfg *config.Config) audit.Service {
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
		log.Fatalf("Failed to connect to Elasticsearch: %v", err)
	}
	return audit.NewService(client)
}
