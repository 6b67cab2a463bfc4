// Package notify emits fire-and-forget notification events for key
// transitions. A notification failure never blocks or rolls back the state
// change it describes.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/kafka"
)

type Event struct {
	Kind          string      `json:"kind"`
	AccountID     int64       `json:"account_id"`
	TransactionID int64       `json:"transaction_id,omitempty"`
	Payload       interface{} `json:"payload,omitempty"`
	At            time.Time   `json:"at"`
}

const (
	DepositRequested    = "deposit_requested"
	DepositApproved     = "deposit_approved"
	DepositRejected     = "deposit_rejected"
	WithdrawalRequested = "withdrawal_requested"
	WithdrawalApproved  = "withdrawal_approved"
	WithdrawalRejected  = "withdrawal_rejected"
	ContractApproved    = "contract_approved"
	ContractRejected    = "contract_rejected"
	ContractCompleted   = "contract_completed"
	ReferralCommission  = "referral_commission"
	GiftCardRedeemed    = "gift_card_redeemed"
	TransferSent        = "transfer_sent"
)

type Notifier interface {
	Emit(ctx context.Context, event Event)
}

// KafkaNotifier sends events to the notifications topic in a background
// goroutine with bounded retries. Failures are logged and dropped.
type KafkaNotifier struct {
	producer kafka.KafkaProducer
	topic    string
}

func NewKafkaNotifier(producer kafka.KafkaProducer) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: "notifications"}
}

func (n *KafkaNotifier) Emit(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal notification", "kind", event.Kind, "error", err)
		return
	}

	go func() {
		const retries = 3
		for i := 0; i < retries; i++ {
			if err := n.producer.Send(context.Background(), n.topic, event.AccountID, payload); err == nil {
				return
			}
			time.Sleep(time.Second * time.Duration(i+1))
		}
		slog.Error("failed to send notification after retries", "kind", event.Kind, "account_id", event.AccountID)
	}()
}

// NopNotifier discards events; used in tests.
type NopNotifier struct{}

func (NopNotifier) Emit(context.Context, Event) {}
