// Package outbox makes job dispatch atomic with the business transaction that
// decides it: rows are written with the transaction and relayed to the queue
// after commit.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	outboxmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/outbox"
	"github.com/frahmantamala/gameshop-ledger/internal/metrics"
	"github.com/frahmantamala/gameshop-ledger/internal/queue"
)

// Write adds a message to the outbox on tx.
func Write(tx *gorm.DB, topic string, payload interface{}) error {
	return WriteAt(tx, topic, payload, time.Now().UTC())
}

func WriteAt(tx *gorm.DB, topic string, payload interface{}, availableAt time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	msg := outboxmodel.Message{
		Topic:       topic,
		Payload:     datatypes.JSON(raw),
		Status:      outboxmodel.StatusPending,
		AvailableAt: availableAt,
	}
	return tx.Create(&msg).Error
}

type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
}

type Relay struct {
	db        *gorm.DB
	queue     queue.Queue
	interval  time.Duration
	batchSize int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewRelay(db *gorm.DB, q queue.Queue, config RelayConfig, m *metrics.Metrics, logger *slog.Logger) *Relay {
	interval := config.Interval
	if interval <= 0 {
		interval = time.Second
	}
	batch := config.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Relay{
		db:        db,
		queue:     q,
		interval:  interval,
		batchSize: batch,
		metrics:   m,
		logger:    logger,
	}
}

// Run relays until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", "interval", r.interval.String())
	for {
		if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox relay failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
		}
	}
}

// RelayOnce moves one batch of due messages to the queue and returns how many
// were sent. Messages are job ids "outbox-<id>" so a redelivered message is
// recognisable in logs; handlers stay idempotent regardless.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	sent := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msgs []outboxmodel.Message
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND available_at <= ?", outboxmodel.StatusPending, time.Now().UTC()).
			Order("id").
			Limit(r.batchSize).
			Find(&msgs).Error
		if err != nil {
			return err
		}

		for _, msg := range msgs {
			job := queue.Job{
				ID:      "outbox-" + strconv.FormatInt(msg.ID, 10),
				Type:    msg.Topic,
				Payload: json.RawMessage(msg.Payload),
			}
			if err := r.queue.Enqueue(ctx, job); err != nil {
				reason := err.Error()
				r.logger.Warn("outbox enqueue failed", "outbox_id", msg.ID, "topic", msg.Topic, "error", err)
				if uerr := tx.Model(&outboxmodel.Message{}).Where("id = ?", msg.ID).Updates(map[string]interface{}{
					"attempts":   gorm.Expr("attempts + 1"),
					"last_error": reason,
				}).Error; uerr != nil {
					return uerr
				}
				continue
			}

			now := time.Now().UTC()
			if err := tx.Model(&outboxmodel.Message{}).Where("id = ?", msg.ID).Updates(map[string]interface{}{
				"status":   outboxmodel.StatusSent,
				"sent_at":  now,
				"attempts": gorm.Expr("attempts + 1"),
			}).Error; err != nil {
				return err
			}
			sent++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if sent > 0 {
		r.metrics.OutboxRelayed(sent)
		r.logger.Debug("outbox relayed", "count", sent)
	}
	return sent, nil
}
