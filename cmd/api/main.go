package main

import (
    "context"
    "errors"
    "flag"
    "fmt"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "go.uber.org/zap"

    "orderhub/internal/api"
    "orderhub/internal/auth"
    "orderhub/internal/buildinfo"
    "orderhub/internal/cache"
    "orderhub/internal/config"
    "orderhub/internal/events"
    "orderhub/internal/integrations"
    "orderhub/internal/integrations/marketa"
    "orderhub/internal/integrations/marketb"
    "orderhub/internal/integrations/native"
    "orderhub/internal/logging"
    "orderhub/internal/metrics"
    "orderhub/internal/model"
    "orderhub/internal/orchestrator"
    "orderhub/internal/queue"
    "orderhub/internal/realtime"
    "orderhub/internal/store"
    "orderhub/internal/webhooks"
)

func main() {
    path := flag.String("config", os.Getenv("CONFIG"), "path to the YAML config file")
    flag.Parse()

    cfg, err := config.Load(*path)
    if err != nil {
        fmt.Fprintf(os.Stderr, "config: %v\n", err)
        os.Exit(1)
    }
    log, err := logging.New(cfg.Log.Level)
    if err != nil {
        fmt.Fprintf(os.Stderr, "logger: %v\n", err)
        os.Exit(1)
    }
    defer func() { _ = log.Sync() }()

    if err := run(cfg, log); err != nil {
        log.Fatal("server stopped", zap.Error(err))
    }
}

func run(cfg *config.Config, log *zap.Logger) error {
    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    bi := buildinfo.Info()
    log.Info("starting", zap.String("version", bi.Version), zap.String("commit", bi.Commit))
    metrics.RegisterDefault()

    st, closeStore, err := openStore(ctx, cfg.Database, log)
    if err != nil { return err }
    defer closeStore()

    var kv cache.Store = cache.NewMemory()
    if cfg.Redis.URL != "" {
        rc, err := cache.DialRedis(ctx, cfg.Redis.URL)
        if err != nil { return fmt.Errorf("redis: %w", err) }
        defer func() { _ = rc.Close() }()
        kv = rc
    }

    reg := buildAdapters(cfg.Channels, kv)
    if len(reg.Channels()) == 0 {
        log.Warn("no channels enabled")
    }

    legacy := realtime.NewHub("legacy", log)
    authed := realtime.NewHub("auth", log)
    dispatch := realtime.NewDispatcher(realtime.Options{
        Timeout:    cfg.Dispatch.Timeout,
        Retries:    cfg.Dispatch.Retries,
        RetryDelay: cfg.Dispatch.RetryDelay,
    }, log)
    notifier := orchestrator.NewNotifier(dispatch, log, legacy, authed)

    q := queue.New(st, reg, notifier, nil, queue.Config{
        PollInterval: cfg.Queue.PollInterval,
        BatchSize:    cfg.Queue.BatchSize,
    }, log)

    var pub events.Publisher = events.Nop{}
    if len(cfg.Kafka.Brokers) > 0 {
        kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
        if err != nil { return fmt.Errorf("kafka: %w", err) }
        defer func() { _ = kp.Close() }()
        pub = kp
    }

    orch := orchestrator.New(orchestrator.Deps{
        Store:    st,
        Adapters: reg,
        Queue:    q,
        Notifier: notifier,
        Inbox:    webhooks.NewInbox(kv, webhooks.DefaultDedupeTTL),
        Events:   pub,
    }, orchestrator.Config{
        WebhookSecrets: map[model.Channel]string{
            model.ChannelNative:       cfg.Channels.Native.WebhookSecret,
            model.ChannelMarketplaceA: cfg.Channels.MarketplaceA.WebhookSecret,
            model.ChannelMarketplaceB: cfg.Channels.MarketplaceB.WebhookSecret,
        },
        LeadMinutes: cfg.Queue.LeadMinutes,
    }, log)

    srvDeps := &api.Server{
        Store:  st,
        Orch:   orch,
        Queue:  q,
        Auth:   auth.NewVerifier(auth.Config{Mode: cfg.Auth.Mode, HMACSecret: cfg.Auth.HMACSecret, JWKSURL: cfg.Auth.JWKSURL}),
        Legacy: legacy,
        Authed: authed,
        Log:    log,
    }

    srv := &http.Server{
        Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
        Handler:           srvDeps.Routes(),
        ReadHeaderTimeout: 5 * time.Second,
    }

    q.Start(ctx)
    defer q.Stop()

    errc := make(chan error, 1)
    go func() {
        log.Info("API listening", zap.String("addr", srv.Addr))
        if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
            errc <- err
        }
        close(errc)
    }()

    select {
    case err := <-errc:
        return err
    case <-ctx.Done():
    }
    log.Info("shutting down")
    shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()
    if err := srv.Shutdown(shutdownCtx); err != nil {
        log.Warn("http shutdown", zap.Error(err))
    }
    // let accepted webhooks finish before the store closes
    srvDeps.Wait()
    orch.Wait()
    return nil
}

func openStore(ctx context.Context, db config.DatabaseConfig, log *zap.Logger) (store.Store, func(), error) {
    if db.DSN == "" {
        log.Warn("no database configured, orders live in memory")
        return store.NewMemory(), func() {}, nil
    }
    s, err := store.OpenSQL(ctx, db.Driver, db.DSN)
    if err != nil { return nil, nil, fmt.Errorf("open %s store: %w", db.Driver, err) }
    return s, func() { _ = s.Close() }, nil
}

func buildAdapters(ch config.ChannelsConfig, kv cache.Store) *integrations.Registry {
    var list []integrations.Adapter
    if c := ch.Native; c.Enabled {
        list = append(list, native.New(native.Config{BaseURL: c.BaseURL, APIKey: c.APIKey, Timeout: c.Timeout, RatePerSecond: c.RatePerSecond}))
    }
    if c := ch.MarketplaceA; c.Enabled {
        list = append(list, marketa.New(marketa.Config{
            BaseURL:       c.BaseURL,
            APIKey:        c.APIKey,
            BasicUser:     c.BasicUser,
            BasicPassword: c.BasicPassword,
            Timeout:       c.Timeout,
            RatePerSecond: c.RatePerSecond,
        }))
    }
    if c := ch.MarketplaceB; c.Enabled {
        list = append(list, marketb.New(marketb.Config{
            BaseURL:       c.BaseURL,
            ClientID:      c.ClientID,
            ClientSecret:  c.ClientSecret,
            Timeout:       c.Timeout,
            RatePerSecond: c.RatePerSecond,
        }, kv))
    }
    return integrations.NewRegistry(list...)
}
