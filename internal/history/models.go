package history

import (
	"time"

	"gorm.io/gorm"
)

// IdempotencyRecord remembers which events a submission key produced so a
// retried submission does not append twice.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`   // order book id
	ResourceType   string    `json:"resource_type"` // order book status at submission
	EventIDs       string    `json:"event_ids"`     // JSON array of event ids
	ExpiresAt      time.Time `json:"expires_at"`
}
