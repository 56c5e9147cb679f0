package outbox

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
)

type Message struct {
	ID          int64          `gorm:"primaryKey"`
	Topic       string         `gorm:"column:topic;size:80;not null"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	Status      string         `gorm:"column:status;size:20;not null;index"`
	Attempts    int            `gorm:"column:attempts;not null;default:0"`
	AvailableAt time.Time      `gorm:"column:available_at;not null"`
	SentAt      *time.Time     `gorm:"column:sent_at"`
	LastError   *string        `gorm:"column:last_error"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
}

func (Message) TableName() string {
	return "outbox_messages"
}
