package model

import "time"

// DeliveryStatus is the normalized outcome of a channel send.
type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "sent"
	DeliverySkipped DeliveryStatus = "skipped"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryError   DeliveryStatus = "error"
)

// Channel names in fan-out priority order.
const (
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
)

// ChannelOrder is the fixed attempt order for delivery fan-out.
var ChannelOrder = []string{ChannelTelegram, ChannelDiscord, ChannelWhatsApp, ChannelEmail}

// DeliveryAttempt is one row of the append-only delivery log.
type DeliveryAttempt struct {
	ID        string         `json:"id"`
	AlertID   string         `json:"alert_id,omitempty"`
	UserID    string         `json:"user_id"`
	Channel   string         `json:"channel"`
	Status    DeliveryStatus `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error_message,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
