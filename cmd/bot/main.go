package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"remindbot/internal/adapters/telegram"
	"remindbot/internal/brain"
	"remindbot/internal/commands"
	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/schedule"
	"remindbot/pkg/logx"
)

const (
	reminderNamespace = "reminders"
	scheduleNamespace = "schedules"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	boot := logx.NewConsole("info")

	manager := config.NewManager(cfgPath, boot)
	cfg, err := manager.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = closeLog() }()

	store, err := brain.Open(brain.Config{
		Driver:      cfg.Brain.Driver,
		Path:        cfg.Brain.Path,
		BusyTimeout: cfg.BusyTimeoutDuration(),
	}, log.With(logx.String("component", "brain")))
	if err != nil {
		return fmt.Errorf("open brain store: %w", err)
	}
	defer func() { _ = store.Close() }()

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.PollTimeoutDuration(),
	}, log.With(logx.String("component", "telegram")))
	if err != nil {
		return fmt.Errorf("init telegram: %w", err)
	}

	rooms := telegram.NewRooms(cfg.Schedule.Rooms)
	visibility := schedule.NewVisibility(rooms, func() bool {
		return manager.Get().Schedule.DenyExternalControl
	})

	bus := eventbus.New()
	ecfg := schedule.EngineConfig{
		Deliverer:        adapter,
		Renderer:         schedule.RawRenderer{},
		Bus:              bus,
		DeliveriesPerSec: cfg.Schedule.DeliveriesPerSec,
		Burst:            cfg.Schedule.Burst,
	}
	reminders := schedule.NewRegistry(reminderNamespace, store, ecfg, log)
	schedules := schedule.NewRegistry(scheduleNamespace, store, ecfg, log)

	// Rebuild and re-arm everything that survived the restart.
	if err := reminders.Sync(ctx); err != nil {
		return fmt.Errorf("sync %s: %w", reminderNamespace, err)
	}
	if err := schedules.Sync(ctx); err != nil {
		return fmt.Errorf("sync %s: %w", scheduleNamespace, err)
	}

	core := &commands.Core{
		Reminders:  reminders,
		Schedules:  schedules,
		Visibility: visibility,
		Log:        log.With(logx.String("component", "commands")),
	}

	// Observability tap: trace engine events.
	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	go func() {
		for ev := range events {
			log.Trace("engine event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
		}
	}()

	// Hot reload: log level, room set and the external-control flag.
	updates := manager.Subscribe(1)
	defer manager.Unsubscribe(updates)
	go func() {
		for next := range updates {
			logx.SetLevel(next.Logging.Level)
			rooms.Apply(next.Schedule.Rooms)
		}
	}()
	go func() {
		if err := manager.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn("config watcher exited", logx.Err(err))
		}
	}()

	adapter.Run(ctx, core.Dispatch)
	return nil
}
