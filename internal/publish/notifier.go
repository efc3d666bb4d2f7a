package publish

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/kafka"
)

// EventPublisher is satisfied by *kafka.Producer.
type EventPublisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// MatrixExportedEvent is the payload announcing a new matrix.
type MatrixExportedEvent struct {
	RunID        string            `json:"run_id"`
	FinishedAt   time.Time         `json:"finished_at"`
	NConcepts    int               `json:"n_concepts"`
	NonZeroCells int               `json:"nonzero_cells"`
	DensityPct   float64           `json:"density_pct"`
	TotalPapers  uint64            `json:"total_papers"`
	MatrixFormat string            `json:"matrix_format"`
	MatrixPath   string            `json:"matrix_path"`
	IndexPath    string            `json:"index_path"`
	ObjectKeys   map[string]string `json:"object_keys,omitempty"`
}

// KafkaNotifier announces exported matrices on a topic, keyed by run id.
type KafkaNotifier struct {
	producer EventPublisher
}

func NewKafkaNotifier(p EventPublisher) *KafkaNotifier {
	return &KafkaNotifier{producer: p}
}

func (n *KafkaNotifier) Name() string { return "kafka" }

func (n *KafkaNotifier) Publish(ctx context.Context, rep *Report) error {
	return n.producer.Publish(ctx, kafka.Event{
		Key: rep.RunID,
		Value: MatrixExportedEvent{
			RunID:        rep.RunID,
			FinishedAt:   rep.FinishedAt,
			NConcepts:    rep.Concepts,
			NonZeroCells: rep.Stats.NonZeroCells,
			DensityPct:   rep.Stats.DensityPct,
			TotalPapers:  rep.Stats.TotalPapers,
			MatrixFormat: rep.MatrixFormat,
			MatrixPath:   rep.MatrixPath,
			IndexPath:    rep.IndexPath,
			ObjectKeys:   rep.ObjectKeys,
		},
	})
}
