package resilience

import (
	"github.com/onsite-teams/salesintel/internal/config"
)

// FromDeliveryConfig builds the channel retry policy from delivery settings.
func FromDeliveryConfig(cfg config.DeliveryConfig) RetryConfig {
	return ChannelRetryConfig(cfg.MaxAttempts)
}

// FromOAuthConfig builds the 429 backoff policy for token refreshes.
func FromOAuthConfig(cfg config.OAuthConfig) RetryConfig {
	return RateLimitRetryConfig(cfg.MaxRetries429)
}
