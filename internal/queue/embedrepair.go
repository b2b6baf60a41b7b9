// Package queue implements asynchronous embedding repair: when a
// synchronous embed() call fails during a request, the pipeline still
// stores the message (without an embedding) and publishes a repair job
// here instead of blocking or failing the request. A background
// consumer retries the embedding out of band, patches the node, and
// re-runs synapse construction.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/divanvisagie/reservoir/internal/embedding"
	"github.com/divanvisagie/reservoir/internal/graph"
	"github.com/divanvisagie/reservoir/internal/logging"
)

// Topic is the single topic this queue produces to and consumes from.
const Topic = "reservoir.embeddings.retry"

// RepairJob names the single node whose embedding needs retrying.
type RepairJob struct {
	NodeID    string `json:"node_id"`
	Partition string `json:"partition"`
	Instance  string `json:"instance"`
	Content   string `json:"content"`
}

// EmbeddingRepairQueue is the producer half: the pipeline publishes a job
// whenever a synchronous embed() call fails.
type EmbeddingRepairQueue struct {
	writer *kafka.Writer
}

// NewEmbeddingRepairQueue dials brokers and ensures Topic exists.
func NewEmbeddingRepairQueue(ctx context.Context, brokers []string) (*EmbeddingRepairQueue, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return nil, fmt.Errorf("dialing kafka: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("reading kafka partitions: %w", err)
	}
	exists := false
	for _, p := range partitions {
		if p.Topic == Topic {
			exists = true
			break
		}
	}
	if !exists {
		if err := conn.CreateTopics(kafka.TopicConfig{Topic: Topic, NumPartitions: 1, ReplicationFactor: 1}); err != nil {
			return nil, fmt.Errorf("creating kafka topic %s: %w", Topic, err)
		}
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return &EmbeddingRepairQueue{writer: writer}, nil
}

// Close releases the writer's connections.
func (q *EmbeddingRepairQueue) Close() error { return q.writer.Close() }

// Publish enqueues a repair job. Callers treat a publish failure as
// non-fatal: the worst case is that the message stays unembedded, not a
// lost request.
func (q *EmbeddingRepairQueue) Publish(ctx context.Context, job RepairJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling repair job: %w", err)
	}
	return q.writer.WriteMessages(ctx, kafka.Message{Key: []byte(job.NodeID), Value: raw})
}

// RepairWorker is the consumer half: it retries the embedding, patches
// the node, and re-runs synapse construction for every job it reads.
type RepairWorker struct {
	reader   *kafka.Reader
	embedder embedding.Client
	store    *graph.Store
	logger   *logging.Logger
}

// NewRepairWorker builds a worker reading Topic with its own consumer
// group, independent of any other consumer in the process.
func NewRepairWorker(brokers []string, embedder embedding.Client, store *graph.Store, logger *logging.Logger) *RepairWorker {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       Topic,
		GroupID:     "reservoir-embedding-repair",
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxAttempts: 10,
	})
	return &RepairWorker{reader: reader, embedder: embedder, store: store, logger: logger}
}

// Close releases the reader's connections.
func (w *RepairWorker) Close() error { return w.reader.Close() }

// Run consumes jobs until ctx is canceled. It is meant to be launched in
// its own goroutine by the caller.
func (w *RepairWorker) Run(ctx context.Context) {
	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.WithError(err).Warn("embedding repair: fetch failed")
			continue
		}

		if err := w.process(ctx, msg); err != nil {
			w.logger.WithError(err).Warn("embedding repair: job failed, will retry on redelivery")
			continue
		}

		if err := w.reader.CommitMessages(ctx, msg); err != nil {
			w.logger.WithError(err).Warn("embedding repair: commit failed")
		}
	}
}

func (w *RepairWorker) process(ctx context.Context, msg kafka.Message) error {
	var job RepairJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return fmt.Errorf("unmarshaling repair job: %w", err)
	}

	vector, err := w.embedder.Embed(ctx, job.Content)
	if err != nil {
		return fmt.Errorf("re-embedding node %s: %w", job.NodeID, err)
	}
	if err := w.store.AttachEmbedding(ctx, job.NodeID, vector); err != nil {
		return fmt.Errorf("attaching repaired embedding to node %s: %w", job.NodeID, err)
	}
	if err := w.store.UpdateSynapses(ctx, job.NodeID); err != nil {
		return fmt.Errorf("updating synapses for repaired node %s: %w", job.NodeID, err)
	}
	return nil
}
