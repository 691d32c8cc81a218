// Package audit emits the tamper-evident trail of de-identification
// activity. Events carry pseudonymous keys, category counts and flag
// reasons, never raw values.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/sirupsen/logrus"
)

// ErrQueryUnsupported is returned when the configured sink cannot run
// historical queries.
var ErrQueryUnsupported = errors.New("audit sink does not support queries")

type EventType string

const (
	EventRunStarted    EventType = "RUN_STARTED"
	EventRunCompleted  EventType = "RUN_COMPLETED"
	EventRecordOutcome EventType = "RECORD_OUTCOME"
	EventResidualPHI   EventType = "RESIDUAL_PHI"
	EventStatePurged   EventType = "STATE_PURGED"
)

type Event struct {
	Timestamp     time.Time       `json:"timestamp"`
	EventType     EventType       `json:"event_type"`
	RunID         string          `json:"run_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	PatientKey    string          `json:"patient_key,omitempty"`
	Outcome       string          `json:"outcome,omitempty"`
	Categories    map[string]int  `json:"categories,omitempty"`
	Flags         []string        `json:"flags,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
}

type Service interface {
	LogEvent(ctx context.Context, event *Event) error
	QueryEvents(ctx context.Context, filters map[string]interface{}, from, size int) ([]Event, error)
}

type service struct {
	es     *elasticsearch.Client
	logger *logrus.Logger
}

// NewService returns the Elasticsearch-backed sink with a local logrus
// mirror for redundancy.
func NewService(esClient *elasticsearch.Client) Service {
	return &service{
		es:     esClient,
		logger: newLogger(),
	}
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{})
	logger.SetLevel(logrus.InfoLevel)
	return logger
}

func (s *service) LogEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	index := "deid_audit_" + time.Now().Format("2006.01")
	_, err = s.es.Index(
		index,
		strings.NewReader(string(payload)),
		s.es.Index.WithContext(ctx),
		s.es.Index.WithRefresh("true"),
	)
	if err != nil {
		s.logger.WithError(err).Error("Failed to index audit event")
		return err
	}

	s.logger.WithFields(eventFields(event)).Info("Audit event logged")
	return nil
}

func (s *service) QueryEvents(ctx context.Context, filters map[string]interface{}, from, size int) ([]Event, error) {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": buildQueryFilters(filters),
			},
		},
		"sort": []map[string]interface{}{
			{
				"timestamp": map[string]interface{}{
					"order": "desc",
				},
			},
		},
		"from": from,
		"size": size,
	}

	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	index := "deid_audit_*"
	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(index),
		s.es.Search.WithBody(strings.NewReader(string(queryJSON))),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var result struct {
		Hits struct {
			Hits []struct {
				Source Event `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, err
	}

	events := make([]Event, len(result.Hits.Hits))
	for i, hit := range result.Hits.Hits {
		events[i] = hit.Source
	}

	return events, nil
}

func buildQueryFilters(filters map[string]interface{}) []map[string]interface{} {
	var must []map[string]interface{}

	for field, value := range filters {
		must = append(must, map[string]interface{}{
			"match": map[string]interface{}{
				field: value,
			},
		})
	}

	return must
}

func eventFields(event *Event) logrus.Fields {
	return logrus.Fields{
		"event_type":     event.EventType,
		"run_id":         event.RunID,
		"correlation_id": event.CorrelationID,
		"patient_key":    event.PatientKey,
		"outcome":        event.Outcome,
		"actor":          event.Actor,
	}
}

// logService keeps the trail on the local logger only, for runs without
// an Elasticsearch endpoint. Queries are unsupported there.
type logService struct {
	logger *logrus.Logger
}

func NewLogService() Service {
	return &logService{logger: newLogger()}
}

func (s *logService) LogEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.logger.WithFields(eventFields(event)).Info("Audit event logged")
	return nil
}

func (s *logService) QueryEvents(ctx context.Context, filters map[string]interface{}, from, size int) ([]Event, error) {
	return nil, ErrQueryUnsupported
}
