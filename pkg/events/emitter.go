// Package events publishes resolution lifecycle events so downstream systems
// can react to new clusters and golden records without polling the database.
package events

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/yarrow/pkg/kafka"
	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/tracing"
)

// Emitter publishes resolution events through a Kafka producer.
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter.
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// ClustersStored publishes one event per stored cluster. Invalid clusters get
// their own event type so consumers can route them to review queues.
func (e *Emitter) ClustersStored(ctx context.Context, collection string, clusters []*models.Cluster) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.ClustersStored")
	defer span.End()

	msgs := make([]kafka.Message, 0, len(clusters))
	for _, cluster := range clusters {
		eventType := EventTypeClusterCreated
		if !cluster.Valid {
			eventType = EventTypeClusterInvalid
		}
		msgs = append(msgs, kafka.Message{
			Key:       cluster.ID,
			EventType: string(eventType),
			Payload: NewEnvelope(eventType, ClusterPayload{
				Collection:   collection,
				ClusterID:    cluster.ID,
				MemberIDs:    cluster.MemberIDs,
				Size:         cluster.Size,
				QualityScore: cluster.QualityScore,
				Valid:        cluster.Valid,
			}),
		})
	}
	return e.producer.PublishBatch(ctx, msgs)
}

// GoldenStored publishes one event per synthesized golden record.
func (e *Emitter) GoldenStored(ctx context.Context, collection string, records []*models.GoldenRecord) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.GoldenStored")
	defer span.End()

	msgs := make([]kafka.Message, 0, len(records))
	for _, record := range records {
		msgs = append(msgs, kafka.Message{
			Key:       record.ClusterID,
			EventType: string(EventTypeGoldenCreated),
			Payload: NewEnvelope(EventTypeGoldenCreated, GoldenPayload{
				Collection:      collection,
				ClusterID:       record.ClusterID,
				SourceRecordIDs: record.SourceRecordIDs,
				QualityScore:    record.QualityScore,
			}),
		})
	}
	return e.producer.PublishBatch(ctx, msgs)
}

// RunCompleted publishes the run summary.
func (e *Emitter) RunCompleted(ctx context.Context, payload RunPayload) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.RunCompleted")
	defer span.End()

	return e.producer.Publish(ctx, kafka.Message{
		Key:       "run",
		EventType: string(EventTypeRunCompleted),
		Payload:   NewEnvelope(EventTypeRunCompleted, payload),
	})
}
