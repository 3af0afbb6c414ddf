package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/alerts"
	"github.com/onsite-teams/salesintel/internal/channel"
	"github.com/onsite-teams/salesintel/internal/crmsync"
	"github.com/onsite-teams/salesintel/internal/delivery"
	"github.com/onsite-teams/salesintel/internal/ledger"
	"github.com/onsite-teams/salesintel/internal/llm"
	"github.com/onsite-teams/salesintel/internal/pipeline"
	"github.com/onsite-teams/salesintel/internal/resilience"
	"github.com/onsite-teams/salesintel/internal/store"
	"github.com/onsite-teams/salesintel/pkg/perplexity"
)

// appEnv holds the initialized store, clients and pipelines shared by the
// commands.
type appEnv struct {
	Store    store.Store
	LLM      *llm.Client
	Ledger   *ledger.Ledger
	Delivery *delivery.Service
	Daily    *pipeline.Daily
	Research *pipeline.Research
	Weekly   *pipeline.Weekly
	Assign   *pipeline.Assigner
	Alerts   *alerts.Runner
	Sync     *crmsync.Syncer // nil when Salesforce is not configured
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates config for mode, opens the store and wires every
// pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	env.LLM = llm.NewFromConfig(cfg.LLM, cfg.Pricing, st)
	env.Ledger = ledger.New(st)
	env.Delivery = delivery.New(st, st, initChannels(),
		delivery.WithBatchMaxItems(cfg.Delivery.BatchMaxItems))

	env.Daily, err = pipeline.NewDaily(st, env.LLM, env.Delivery, env.Ledger, pipeline.SettingsFromConfig(cfg.Pipeline))
	if err != nil {
		env.Close()
		return nil, err
	}

	var web pipeline.WebResearcher
	if cfg.Perplexity.Key != "" {
		web = perplexity.NewClient(cfg.Perplexity.Key,
			perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
			perplexity.WithModel(cfg.Perplexity.Model),
			perplexity.WithRecency(cfg.Perplexity.Recency))
	} else {
		zap.L().Debug("SALESINTEL_PERPLEXITY_KEY not set, web research uses the llm client")
	}
	env.Research, err = pipeline.NewResearch(st, env.LLM, web, env.Ledger)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Weekly, err = pipeline.NewWeekly(st, env.LLM, env.Delivery, env.Ledger, pipeline.SettingsFromConfig(cfg.Pipeline))
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Assign, err = pipeline.NewAssigner(st, env.LLM, env.Delivery, env.Ledger)
	if err != nil {
		env.Close()
		return nil, err
	}

	th, err := alerts.LoadThresholds(cfg.Alerts.RulesFile)
	if err != nil {
		zap.L().Warn("alert rules file not loaded, using defaults", zap.Error(err))
	}
	th = th.Override(cfg.Alerts.Thresholds)
	if len(cfg.Alerts.ExcludedOwners) > 0 {
		th.ExcludedOwners = cfg.Alerts.ExcludedOwners
	}
	env.Alerts = alerts.NewRunner(st, env.Delivery, th, cfg.Alerts.TargetUserID)

	if cfg.Salesforce.ClientID != "" {
		sf, err := initSalesforce()
		if err != nil {
			zap.L().Warn("salesforce not available, CRM sync disabled", zap.Error(err))
		} else {
			env.Sync = crmsync.New(sf, st)
		}
	}

	return env, nil
}

// initChannels builds the four notification channels with the shared
// delivery settings.
func initChannels() []channel.Sender {
	opts := []channel.Option{
		channel.WithTimeout(time.Duration(cfg.Delivery.TimeoutSecs) * time.Second),
		channel.WithRateLimit(cfg.Delivery.RateLimitPerSec),
		channel.WithRetry(resilience.FromDeliveryConfig(cfg.Delivery)),
	}
	discordOpts := append(append([]channel.Option{}, opts...),
		channel.WithTimeout(time.Duration(cfg.Discord.TimeoutSecs)*time.Second))

	return []channel.Sender{
		channel.NewTelegram(cfg.Telegram, opts...),
		channel.NewDiscord(nil, discordOpts...),
		channel.NewWhatsApp(cfg.Gupshup, opts...),
		channel.NewEmail(cfg.Resend, opts...),
	}
}
