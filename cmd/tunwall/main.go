// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command tunwall runs the userspace packet filter on a TUN device.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"grimm.is/tunwall/internal/api"
	"grimm.is/tunwall/internal/config"
	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
	"grimm.is/tunwall/internal/metrics"
	"grimm.is/tunwall/internal/rules"
	"grimm.is/tunwall/internal/scheduler"
	"grimm.is/tunwall/internal/tun"
	"grimm.is/tunwall/internal/vpn"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	configPath := flag.String("config", "", "Path to HCL config file")
	printConfig := flag.Bool("print-config", false, "Print the effective configuration and exit")
	check := flag.Bool("check", false, "Validate the configuration and exit")
	diffDefaults := flag.Bool("diff-defaults", false, "Print how the configuration differs from the defaults and exit")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunwall: %v\n", err)
		return 2
	}
	if *printConfig {
		os.Stdout.Write(config.Format(cfg.Redacted()))
		return 0
	}
	if *diffDefaults {
		name := *configPath
		if name == "" {
			name = "effective"
		}
		fmt.Print(config.Diff(config.DefaultConfig(), cfg, "defaults", name))
		return 0
	}
	if *check {
		fmt.Println("configuration ok")
		return 0
	}

	logger, closeLog, err := setupLogging(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunwall: %v\n", err)
		return 1
	}
	defer closeLog()
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tunwall exited", "error", err, "kind", errors.GetKind(err).String())
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.DefaultConfig()
		if errs := cfg.Validate(); errs.HasErrors() {
			return nil, errs
		}
		return cfg, nil
	}
	return config.Load(path)
}

func setupLogging(lc *config.LoggingConfig) (*logging.Logger, func(), error) {
	lcfg := logging.DefaultConfig()
	lcfg.Level = logging.ParseLevel(lc.Level)
	lcfg.JSON = lc.JSON

	closeFn := func() {}
	if sc := lc.Syslog; sc != nil && sc.Enabled {
		w, err := logging.NewSyslogWriter(logging.SyslogConfig{
			Enabled:  true,
			Host:     sc.Host,
			Port:     sc.Port,
			Protocol: sc.Protocol,
			Tag:      sc.Tag,
			Facility: sc.Facility,
		})
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.KindUnavailable, "syslog")
		}
		lcfg.Output = logging.MultiWriter(os.Stderr, w)
		closeFn = func() { w.Close() }
	}
	return logging.New(lcfg), closeFn, nil
}

// initialRules compiles the inline rules merged with the rule file, if any.
func initialRules(rc *config.RulesConfig) (*rules.Grid, *rules.Snapshot, error) {
	g := rc.Grid()
	source := "config"
	if rc.File != "" {
		fg, err := rules.LoadFile(rc.File)
		if err != nil {
			return nil, nil, err
		}
		g.Merge(fg)
		source = rc.File
	}
	snap, err := rules.Compile(g, source)
	if err != nil {
		return nil, nil, err
	}
	return g, snap, nil
}

// feedTask builds the periodic refresh task for the rule feed.
func feedTask(fc *config.FeedConfig, table *rules.Table, base *rules.Grid, m *metrics.Metrics, logger *logging.Logger) (*scheduler.Task, error) {
	var vals [5]time.Duration
	for i, f := range []struct{ name, value string }{
		{"interval", fc.Interval},
		{"jitter", fc.Jitter},
		{"retry_min", fc.RetryMin},
		{"retry_max", fc.RetryMax},
		{"timeout", fc.Timeout},
	} {
		d, err := config.Duration(f.value, 0)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "rules.feed.%s", f.name)
		}
		vals[i] = d
	}
	interval, jitter, retryMin, retryMax, timeout := vals[0], vals[1], vals[2], vals[3], vals[4]

	p, err := rules.NewProvisioner(rules.FeedConfig{
		URL:        fc.URL,
		Passphrase: fc.Passphrase,
		Salt:       fc.Salt,
		DeviceID:   fc.DeviceID,
		Timeout:    timeout,
	}, table, base, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("rule feed configured", "url", fc.URL, "device_id", p.DeviceID(), "interval", interval)

	task := p.Task(scheduler.Jittered(interval, jitter), &scheduler.Backoff{Min: retryMin, Max: retryMax})
	refresh := task.Func
	task.Func = func(ctx context.Context) error {
		err := refresh(ctx)
		m.RefreshResult(table.Version(), err)
		return err
	}
	return task, nil
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	base, snap, err := initialRules(cfg.Rules)
	if err != nil {
		return err
	}
	table := rules.NewTable(logger)
	m := metrics.New()
	m.RefreshResult(table.Store(snap), nil)

	opts, err := vpn.OptionsFromConfig(cfg, table)
	if err != nil {
		return err
	}

	sched := scheduler.New(logger)
	if cfg.Rules.Feed != nil {
		task, err := feedTask(cfg.Rules.Feed, table, base, m, logger)
		if err != nil {
			return err
		}
		if err := sched.AddTask(task); err != nil {
			return err
		}
	}

	dev, err := tun.Open(vpn.TunConfig(cfg), logger)
	if err != nil {
		return err
	}
	opts.Device = dev
	opts.Metrics = m
	opts.Logger = logger

	svc, err := vpn.New(opts)
	if err != nil {
		dev.Close()
		return err
	}

	sched.Start()
	defer sched.Stop()

	if addr := cfg.Metrics.Listen; addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := m.Register(reg); err != nil {
			return errors.Wrap(err, errors.KindInternal, "register metrics")
		}
		srv, err := api.NewServer(api.ServerOptions{
			Pipeline: svc,
			Rules:    table,
			Tasks:    sched,
			Gatherer: reg,
			Settings: cfg,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Start(ctx, addr); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	logger.Info("tunwall running", "device", dev.Name(), "mtu", dev.MTU(), "rules_version", table.Version())
	return svc.Run(ctx)
}
