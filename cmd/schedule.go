package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/config"
	"github.com/onsite-teams/salesintel/internal/crmsync"
	"github.com/onsite-teams/salesintel/internal/scheduler"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the scheduler in the foreground",
	Long:  "Fires the daily pipeline, lead assignment, smart alerts, the weekly report, CRM syncs and the weekly score push on their UTC schedules until interrupted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "schedule")
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := scheduledJobs(cfg.Scheduler, env)
		if err != nil {
			return err
		}
		s := scheduler.New(jobs...)
		for name, next := range s.Jobs() {
			zap.L().Info("job scheduled", zap.String("job", name), zap.Time("next", next))
		}
		return s.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}

// scheduledJobs builds the job list. CRM jobs are registered only when a
// Salesforce client is available.
func scheduledJobs(sc config.SchedulerConfig, env *appEnv) ([]scheduler.Job, error) {
	weekday, err := scheduler.ParseWeekday(sc.WeeklyWeekday)
	if err != nil {
		return nil, err
	}
	weekly := scheduler.Weekly{Weekday: weekday, Hour: sc.WeeklyHourUTC, Minute: sc.WeeklyMinuteUTC}

	jobs := []scheduler.Job{
		{
			Name:     "daily_pipeline",
			Schedule: scheduler.Daily{Hour: sc.DailyHourUTC, Minute: sc.DailyMinuteUTC},
			Timeout:  2 * time.Hour,
			Run: func(ctx context.Context) error {
				_, err := env.Daily.Run(ctx)
				return err
			},
		},
	}

	if sc.AlertsEveryHours > 0 {
		jobs = append(jobs, scheduler.Job{
			Name:     "smart_alerts",
			Schedule: scheduler.Every{Interval: time.Duration(sc.AlertsEveryHours) * time.Hour},
			Timeout:  30 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := env.Alerts.Run(ctx)
				return err
			},
		})
	}

	if sc.AssignEveryMins > 0 {
		jobs = append(jobs, scheduler.Job{
			Name:     "lead_assignment",
			Schedule: scheduler.Every{Interval: time.Duration(sc.AssignEveryMins) * time.Minute},
			Timeout:  15 * time.Minute,
			Run: func(ctx context.Context) error {
				_, _, err := env.Assign.Run(ctx)
				return err
			},
		})
	}

	jobs = append(jobs, scheduler.Job{
		Name:     "weekly_report",
		Schedule: weekly,
		Timeout:  30 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := env.Weekly.Run(ctx)
			return err
		},
	})

	if env.Sync == nil {
		zap.L().Warn("salesforce not configured, CRM sync jobs not scheduled")
		return jobs, nil
	}

	interval := sc.SyncIntervalHours
	if interval <= 0 {
		interval = 2
	}
	jobs = append(jobs,
		scheduler.Job{
			Name: "crm_delta_sync",
			Schedule: scheduler.Every{
				Interval: time.Duration(interval) * time.Hour,
				Offset:   time.Duration(sc.SyncOffsetMinutes) * time.Minute,
				FromHour: sc.SyncFromHourUTC,
				ToHour:   sc.SyncToHourUTC,
			},
			Timeout: time.Hour,
			Run:     syncJob(env.Sync, false),
		},
		scheduler.Job{
			Name:     "crm_full_sync",
			Schedule: scheduler.Daily{Hour: sc.FullSyncHourUTC, Minute: sc.SyncOffsetMinutes},
			Timeout:  2 * time.Hour,
			Run:      syncJob(env.Sync, true),
		},
		scheduler.Job{
			Name:     "weekly_score_push",
			Schedule: weekly,
			Timeout:  time.Hour,
			Run: func(ctx context.Context) error {
				_, err := env.Sync.PushScores(ctx)
				return err
			},
		},
	)
	return jobs, nil
}

func syncJob(s *crmsync.Syncer, full bool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if report := s.Sync(ctx, full); report.Failed() {
			return eris.New("crm sync: one or more modules failed")
		}
		return nil
	}
}
