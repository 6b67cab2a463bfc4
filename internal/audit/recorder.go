// Package audit emits one event per administrative balance-affecting
// decision, with before/after snapshots, so every balance change can be
// reconstructed after the fact.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/kafka"
)

type Entry struct {
	Action  string      `json:"action"`
	Actor   int64       `json:"actor"`
	Target  string      `json:"target"`
	Before  interface{} `json:"before,omitempty"`
	After   interface{} `json:"after,omitempty"`
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	At      time.Time   `json:"at"`
}

type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

type KafkaRecorder struct {
	producer kafka.KafkaProducer
	topic    string
}

func NewKafkaRecorder(producer kafka.KafkaProducer) *KafkaRecorder {
	return &KafkaRecorder{producer: producer, topic: "audit"}
}

func (r *KafkaRecorder) Record(ctx context.Context, entry Entry) {
	entry.At = time.Now().UTC()
	payload, err := json.Marshal(entry)
	if err != nil {
		slog.Error("failed to marshal audit entry", "action", entry.Action, "error", err)
		return
	}
	// Audit emission is infrastructure; the decision it describes has already
	// committed, so a send failure is logged, not propagated.
	go func() {
		if err := r.producer.Send(context.Background(), r.topic, entry.Actor, payload); err != nil {
			slog.Error("failed to send audit entry", "action", entry.Action, "actor", entry.Actor, "error", err)
		}
	}()
}

type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Entry) {}
