package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/ledger"

	"github.com/segmentio/kafka-go"
)

const (
	TypeTransactionCompleted = "transaction.completed"
	TypeTransactionFailed    = "transaction.failed"
)

// TransactionEvent is the payload published after a transaction reaches a
// terminal status.
type TransactionEvent struct {
	Type          string            `json:"type"`
	TransactionID string            `json:"transaction_id"`
	UserID        string            `json:"user_id"`
	Kind          string            `json:"kind"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Status        string            `json:"status"`
	Key           string            `json:"idempotency_key,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// EventFor builds the event for a terminal transaction. ok is false for
// PENDING rows, which are never published.
func EventFor(txn ledger.Transaction) (TransactionEvent, bool) {
	var typ string
	switch txn.Status {
	case ledger.TransactionStatusCompleted:
		typ = TypeTransactionCompleted
	case ledger.TransactionStatusFailed:
		typ = TypeTransactionFailed
	default:
		return TransactionEvent{}, false
	}
	meta := ledger.MergeMetadata(nil, txn.Metadata)
	// client secrets never leave the service
	delete(meta, ledger.MetaClientSecret)
	return TransactionEvent{
		Type:          typ,
		TransactionID: txn.ID,
		UserID:        txn.UserID,
		Kind:          string(txn.Type),
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Status:        string(txn.Status),
		Key:           txn.IdempotencyKey,
		Metadata:      meta,
		OccurredAt:    txn.UpdatedAt,
	}, true
}

// Publisher emits ledger events. It is called after commit; a failure is
// logged by the caller and never undoes the committed change.
type Publisher interface {
	PublishTransaction(ctx context.Context, txn ledger.Transaction) error
	Close() error
}

// Writer is the subset of kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer  Writer
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return NewKafkaPublisherWithWriter(newKafkaWriter(brokers, topic))
}

// Writes are synchronous and sit on the request path after commit, so the
// batch is flushed almost immediately instead of after the 1s default.
func newKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: false,
	}
}

// NewKafkaPublisherWithWriter allows injecting a test writer.
func NewKafkaPublisherWithWriter(w Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: w, timeout: 5 * time.Second}
}

// PublishTransaction writes one message keyed by user id, so a user's events
// stay ordered within a partition.
func (p *KafkaPublisher) PublishTransaction(ctx context.Context, txn ledger.Transaction) error {
	ev, ok := EventFor(txn)
	if !ok {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(txn.UserID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: kafka write: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop drops every event. Used when no broker is configured.
type Nop struct{}

func (Nop) PublishTransaction(ctx context.Context, txn ledger.Transaction) error { return nil }
func (Nop) Close() error                                                        { return nil }

// Recorder keeps published events in memory. Useful in tests.
type Recorder struct {
	mu     sync.Mutex
	events []TransactionEvent
}

func (r *Recorder) PublishTransaction(ctx context.Context, txn ledger.Transaction) error {
	ev, ok := EventFor(txn)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []TransactionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TransactionEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Publish sends txn through p and logs a failure instead of returning it.
func Publish(ctx context.Context, p Publisher, log *slog.Logger, txn ledger.Transaction) {
	if p == nil {
		return
	}
	if err := p.PublishTransaction(ctx, txn); err != nil {
		log.Error("publish transaction event failed",
			"transaction_id", txn.ID,
			"status", txn.Status,
			"err", err,
		)
	}
}
