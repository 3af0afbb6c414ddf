package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Telegram   TelegramConfig   `yaml:"telegram" mapstructure:"telegram"`
	Discord    DiscordConfig    `yaml:"discord" mapstructure:"discord"`
	Gupshup    GupshupConfig    `yaml:"gupshup" mapstructure:"gupshup"`
	Resend     ResendConfig     `yaml:"resend" mapstructure:"resend"`
	Delivery   DeliveryConfig   `yaml:"delivery" mapstructure:"delivery"`
	Alerts     AlertsConfig     `yaml:"alerts" mapstructure:"alerts"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LLMConfig holds text-generation provider credentials and model tiers.
type LLMConfig struct {
	AnthropicKey   string            `yaml:"anthropic_key" mapstructure:"anthropic_key"`
	OpenAIKey      string            `yaml:"openai_key" mapstructure:"openai_key"`
	OpenAIBaseURL  string            `yaml:"openai_base_url" mapstructure:"openai_base_url"`
	PrimaryModel   string            `yaml:"primary_model" mapstructure:"primary_model"`
	FastModel      string            `yaml:"fast_model" mapstructure:"fast_model"`
	FallbackModel  string            `yaml:"fallback_model" mapstructure:"fallback_model"`
	MaxTokens      int64             `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs    int               `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ModelProviders map[string]string `yaml:"model_providers" mapstructure:"model_providers"`
	OAuth          OAuthConfig       `yaml:"oauth" mapstructure:"oauth"`
}

// OAuthConfig configures an optional refresh-token credential source for
// the primary provider (e.g. a gateway that issues short-lived tokens).
type OAuthConfig struct {
	TokenURL      string `yaml:"token_url" mapstructure:"token_url"`
	ClientID      string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret  string `yaml:"client_secret" mapstructure:"client_secret"`
	RefreshToken  string `yaml:"refresh_token" mapstructure:"refresh_token"`
	Provider      string `yaml:"provider" mapstructure:"provider"`
	MarginSecs    int    `yaml:"margin_secs" mapstructure:"margin_secs"`
	MaxRetries429 int    `yaml:"max_retries_429" mapstructure:"max_retries_429"`
}

// PricingConfig overrides per-model token pricing (USD per million tokens).
type PricingConfig struct {
	Models  map[string]ModelPricing `yaml:"models" mapstructure:"models"`
	Default ModelPricing            `yaml:"default" mapstructure:"default"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// PerplexityConfig holds Perplexity API settings used for web research.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
	// Recency limits searches to "day", "week", "month" or "year". Empty
	// searches without a window.
	Recency string `yaml:"recency" mapstructure:"recency"`
}

// TelegramConfig holds the bot token for chat-bot delivery.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token" mapstructure:"bot_token"`
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
}

// DiscordConfig configures webhook chat delivery.
type DiscordConfig struct {
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// GupshupConfig holds WhatsApp business-messaging settings.
type GupshupConfig struct {
	APIKey       string `yaml:"api_key" mapstructure:"api_key"`
	SourceNumber string `yaml:"source_number" mapstructure:"source_number"`
	AppName      string `yaml:"app_name" mapstructure:"app_name"`
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
}

// ResendConfig holds transactional email settings.
type ResendConfig struct {
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	FromEmail string `yaml:"from_email" mapstructure:"from_email"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
}

// DeliveryConfig tunes channel sends.
type DeliveryConfig struct {
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" mapstructure:"rate_limit_per_sec"`
	MaxAttempts     int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BatchMaxItems   int     `yaml:"batch_max_items" mapstructure:"batch_max_items"`
}

// AlertsConfig configures the smart alert rule engine.
type AlertsConfig struct {
	RulesFile      string          `yaml:"rules_file" mapstructure:"rules_file"`
	ExcludedOwners []string        `yaml:"excluded_owners" mapstructure:"excluded_owners"`
	TargetUserID   string          `yaml:"target_user_id" mapstructure:"target_user_id"`
	Thresholds     AlertThresholds `yaml:"thresholds" mapstructure:"thresholds"`
}

// AlertThresholds overrides single rule levels. A zero value keeps the level
// from the rules file, or the built-in one.
type AlertThresholds struct {
	Stale30Critical     int     `yaml:"stale_30_critical" mapstructure:"stale_30_critical"`
	Stale14High         int     `yaml:"stale_14_high" mapstructure:"stale_14_high"`
	DemoBookedMin       int     `yaml:"demo_booked_min" mapstructure:"demo_booked_min"`
	DemoDoneRatePct     float64 `yaml:"demo_done_rate_pct" mapstructure:"demo_done_rate_pct"`
	ConversionLeadsMin  int     `yaml:"conversion_leads_min" mapstructure:"conversion_leads_min"`
	ConversionAvgFactor float64 `yaml:"conversion_avg_factor" mapstructure:"conversion_avg_factor"`
	HotProspectsMin     int     `yaml:"hot_prospects_min" mapstructure:"hot_prospects_min"`
	PriorityOverload    int     `yaml:"priority_overload" mapstructure:"priority_overload"`
	InactiveLeadsMin    int     `yaml:"inactive_leads_min" mapstructure:"inactive_leads_min"`
	TopPerformerSales   int     `yaml:"top_performer_sales" mapstructure:"top_performer_sales"`
	RevenueMilestone    float64 `yaml:"revenue_milestone" mapstructure:"revenue_milestone"`
	PipelineRiskShare   float64 `yaml:"pipeline_risk_share" mapstructure:"pipeline_risk_share"`
	TeamStale30         int     `yaml:"team_stale_30" mapstructure:"team_stale_30"`
	FollowupOverdueMin  int     `yaml:"followup_overdue_min" mapstructure:"followup_overdue_min"`
	FollowupTomorrowMin int     `yaml:"followup_tomorrow_min" mapstructure:"followup_tomorrow_min"`
	NotesLeadsMin       int     `yaml:"notes_leads_min" mapstructure:"notes_leads_min"`
	StaleDays           int     `yaml:"stale_days" mapstructure:"stale_days"`
	ColdDays            int     `yaml:"cold_days" mapstructure:"cold_days"`
	RecentDays          int     `yaml:"recent_days" mapstructure:"recent_days"`
}

// alertThresholdKeys are the leaf keys of AlertThresholds.
var alertThresholdKeys = []string{
	"stale_30_critical", "stale_14_high", "demo_booked_min", "demo_done_rate_pct",
	"conversion_leads_min", "conversion_avg_factor", "hot_prospects_min",
	"priority_overload", "inactive_leads_min", "top_performer_sales",
	"revenue_milestone", "pipeline_risk_share", "team_stale_30",
	"followup_overdue_min", "followup_tomorrow_min", "notes_leads_min",
	"stale_days", "cold_days", "recent_days",
}

// PipelineConfig configures the agent pipelines.
type PipelineConfig struct {
	ScoreBatchSize      int    `yaml:"score_batch_size" mapstructure:"score_batch_size"`
	StaleDays           int    `yaml:"stale_days" mapstructure:"stale_days"`
	CriticalStaleDays   int    `yaml:"critical_stale_days" mapstructure:"critical_stale_days"`
	NoActivityStaleDays int    `yaml:"no_activity_stale_days" mapstructure:"no_activity_stale_days"`
	Timezone            string `yaml:"timezone" mapstructure:"timezone"`
}

// SalesforceConfig holds Salesforce JWT auth settings for the lead sync.
type SalesforceConfig struct {
	ClientID  string  `yaml:"client_id" mapstructure:"client_id"`
	Username  string  `yaml:"username" mapstructure:"username"`
	KeyPath   string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL  string  `yaml:"login_url" mapstructure:"login_url"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// SchedulerConfig configures time-based triggers.
type SchedulerConfig struct {
	DailyHourUTC      int `yaml:"daily_hour_utc" mapstructure:"daily_hour_utc"`
	DailyMinuteUTC    int `yaml:"daily_minute_utc" mapstructure:"daily_minute_utc"`
	SyncIntervalHours int `yaml:"sync_interval_hours" mapstructure:"sync_interval_hours"`
	SyncOffsetMinutes int `yaml:"sync_offset_minutes" mapstructure:"sync_offset_minutes"`
	SyncFromHourUTC   int `yaml:"sync_from_hour_utc" mapstructure:"sync_from_hour_utc"`
	SyncToHourUTC     int `yaml:"sync_to_hour_utc" mapstructure:"sync_to_hour_utc"`
	FullSyncHourUTC   int `yaml:"full_sync_hour_utc" mapstructure:"full_sync_hour_utc"`
	AlertsEveryHours  int `yaml:"alerts_every_hours" mapstructure:"alerts_every_hours"`
	AssignEveryMins   int `yaml:"assign_every_minutes" mapstructure:"assign_every_minutes"`

	// Weekly report and score push to the CRM.
	WeeklyWeekday   string `yaml:"weekly_weekday" mapstructure:"weekly_weekday"`
	WeeklyHourUTC   int    `yaml:"weekly_hour_utc" mapstructure:"weekly_hour_utc"`
	WeeklyMinuteUTC int    `yaml:"weekly_minute_utc" mapstructure:"weekly_minute_utc"`
}

// ServerConfig configures the trigger server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	CronSecret     string   `yaml:"cron_secret" mapstructure:"cron_secret"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SALESINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Keys without a default are not visible to AutomaticEnv during Unmarshal.
	for _, key := range []string{
		"store.database_url",
		"llm.anthropic_key", "llm.openai_key", "llm.openai_base_url",
		"llm.oauth.token_url", "llm.oauth.client_id", "llm.oauth.client_secret",
		"llm.oauth.refresh_token", "llm.oauth.provider",
		"perplexity.key",
		"telegram.bot_token",
		"gupshup.api_key", "gupshup.source_number", "gupshup.app_name",
		"resend.api_key",
		"alerts.rules_file", "alerts.target_user_id",
		"salesforce.client_id", "salesforce.username", "salesforce.key_path",
		"server.cron_secret",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("llm.primary_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("llm.fast_model", "claude-haiku-4-5-20251001")
	v.SetDefault("llm.fallback_model", "gpt-4o")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout_secs", 60)
	v.SetDefault("llm.oauth.margin_secs", 300)
	v.SetDefault("llm.oauth.max_retries_429", 3)

	v.SetDefault("pricing.default.input", 3.00)
	v.SetDefault("pricing.default.output", 15.00)

	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("perplexity.recency", "month")

	v.SetDefault("telegram.base_url", "https://api.telegram.org")
	v.SetDefault("discord.timeout_secs", 10)
	v.SetDefault("gupshup.base_url", "https://api.gupshup.io/wa/api/v1/msg")
	v.SetDefault("resend.base_url", "https://api.resend.com")
	v.SetDefault("resend.from_email", "alerts@onsiteteams.com")

	v.SetDefault("delivery.timeout_secs", 15)
	v.SetDefault("delivery.rate_limit_per_sec", 10)
	v.SetDefault("delivery.max_attempts", 2)
	v.SetDefault("delivery.batch_max_items", 10)

	v.SetDefault("alerts.excluded_owners", []string{"Onsite", "Offline Campaign"})
	for _, key := range alertThresholdKeys {
		v.SetDefault("alerts.thresholds."+key, 0)
	}

	v.SetDefault("pipeline.score_batch_size", 20)
	v.SetDefault("pipeline.stale_days", 7)
	v.SetDefault("pipeline.critical_stale_days", 14)
	v.SetDefault("pipeline.no_activity_stale_days", 30)
	v.SetDefault("pipeline.timezone", "Asia/Kolkata")

	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.rate_limit", 5)

	v.SetDefault("scheduler.daily_hour_utc", 2)
	v.SetDefault("scheduler.daily_minute_utc", 0)
	v.SetDefault("scheduler.sync_interval_hours", 2)
	v.SetDefault("scheduler.sync_offset_minutes", 30)
	v.SetDefault("scheduler.sync_from_hour_utc", 2)
	v.SetDefault("scheduler.sync_to_hour_utc", 16)
	v.SetDefault("scheduler.full_sync_hour_utc", 20)
	v.SetDefault("scheduler.alerts_every_hours", 6)
	v.SetDefault("scheduler.assign_every_minutes", 30)
	v.SetDefault("scheduler.weekly_weekday", "monday")
	v.SetDefault("scheduler.weekly_hour_utc", 2)
	v.SetDefault("scheduler.weekly_minute_utc", 30)
}

// Validate checks that the keys required by the given mode are present.
// Modes: "daily", "research", "alerts", "sync", "serve", "schedule".
func (c *Config) Validate(mode string) error {
	var errs []string
	require := func(val, key string) {
		if strings.TrimSpace(val) == "" {
			errs = append(errs, key+" is required")
		}
	}

	if c.Store.Driver == "postgres" {
		require(c.Store.DatabaseURL, "store.database_url")
	}

	switch mode {
	case "daily", "research", "schedule":
		c.requireProvider(&errs)
	case "serve":
		c.requireProvider(&errs)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
	case "sync":
		require(c.Salesforce.ClientID, "salesforce.client_id")
		require(c.Salesforce.Username, "salesforce.username")
		require(c.Salesforce.KeyPath, "salesforce.key_path")
	case "alerts", "weekly", "assign":
		// Both LLM jobs fall back to deterministic output without a provider.
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) requireProvider(errs *[]string) {
	if c.LLM.AnthropicKey == "" && c.LLM.OpenAIKey == "" && c.LLM.OAuth.RefreshToken == "" {
		*errs = append(*errs, "llm.anthropic_key or llm.openai_key is required")
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
