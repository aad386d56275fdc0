package history

import (
	"time"

	"gorm.io/datatypes"
)

type CallHistory struct {
	CallID       string         `gorm:"column:call_id;type:varchar(64);primaryKey;not null"     json:"call_id"`
	CallerID     string         `gorm:"column:caller_id;type:varchar(128);index;not null"       json:"caller_id"`
	CalleeID     string         `gorm:"column:callee_id;type:varchar(128);index;not null"       json:"callee_id"`
	Participants datatypes.JSON `gorm:"column:participants;type:jsonb;not null"                 json:"participants"`
	Status       string         `gorm:"column:status;type:varchar(20);not null"                 json:"status"`
	EndReason    string         `gorm:"column:end_reason;type:varchar(32);default:'';not null"  json:"end_reason"`
	CreatedAt    time.Time      `gorm:"column:created_at;index;not null"                        json:"created_at"`
	AnsweredAt   *time.Time     `gorm:"column:answered_at"                                      json:"answered_at"`
	EndedAt      *time.Time     `gorm:"column:ended_at"                                         json:"ended_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;autoUpdateTime"                        json:"updated_at"`
}

func (CallHistory) TableName() string {
	return "call_history"
}

// Duration is the talk time of an answered call, zero otherwise.
func (h *CallHistory) Duration() time.Duration {
	if h.AnsweredAt == nil || h.EndedAt == nil || h.EndedAt.Before(*h.AnsweredAt) {
		return 0
	}

	return h.EndedAt.Sub(*h.AnsweredAt)
}

// Direction is "outgoing" or "incoming" as seen by userID.
func (h *CallHistory) Direction(userID string) string {
	if h.CallerID == userID {
		return "outgoing"
	}

	return "incoming"
}
