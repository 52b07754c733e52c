package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridbot/api"
	"gridbot/backtest"
	"gridbot/config"
	"gridbot/crypto"
	"gridbot/kernel"
	"gridbot/logger"
	"gridbot/market"
	"gridbot/metrics"
	"gridbot/notify"
	"gridbot/store"
	"gridbot/trader"
	"gridbot/trader/binance"
	"gridbot/trader/paper"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	config.Init()
	env := config.Get()

	if err := logger.Init(&logger.Config{Level: env.LogLevel, Format: env.LogFormat}); err != nil {
		logger.Warnf("⚠️  invalid log configuration, using defaults: %v", err)
	}

	cfgPath := "grid.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	switch cfgPath {
	case "gen-key":
		key, err := crypto.GenerateDataKey()
		if err != nil {
			logger.Fatalf("❌ failed to generate key: %v", err)
		}
		fmt.Println(key)
		return
	case "encrypt":
		if len(os.Args) < 4 || (os.Args[2] != "api_key" && os.Args[2] != "secret_key") {
			logger.Fatal("❌ usage: gridbot encrypt <api_key|secret_key> <value>")
		}
		sealed, err := crypto.NewSecretBox(env.DataEncryptionKey).Encrypt(os.Args[3], "binance", os.Args[2])
		if err != nil {
			logger.Fatalf("❌ failed to encrypt: %v", err)
		}
		fmt.Println(sealed)
		return
	}

	logger.Info("╔════════════════════════════════════════════╗")
	logger.Info("║           📈 gridbot - grid trading         ║")
	logger.Info("╚════════════════════════════════════════════╝")

	runCfg, err := config.LoadRunConfig(cfgPath)
	if err != nil {
		logger.Fatalf("❌ failed to load run configuration %s: %v", cfgPath, err)
	}
	if runCfg.RunID == "" {
		runCfg.RunID = uuid.NewString()
	}
	logger.Infof("📋 run %s: %s %s, %d levels in [%s, %s]", runCfg.RunID, runCfg.Mode,
		runCfg.Exchange.Symbol(), runCfg.Grid.Count, runCfg.Grid.Bottom, runCfg.Grid.Top)

	st, err := store.New(env.DBPath)
	if err != nil {
		logger.Fatalf("❌ failed to initialize database: %v", err)
	}
	defer st.Close()

	notifier := buildNotifier(env)
	m := metrics.New()
	opts := kernel.Options{Journal: st, Notifier: notifier, Recorder: m}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	saveRun(ctx, st, runCfg)

	var report *backtest.Report
	var runErr error
	if runCfg.Mode == config.ModeBacktest {
		report, runErr = runBacktest(ctx, runCfg, opts)
	} else {
		report, runErr = runLive(ctx, runCfg, env, st, m, opts)
	}

	finishRun(st, runCfg.RunID, report, runErr)
	if report != nil {
		out, _ := json.MarshalIndent(report.Summary, "", "  ")
		logger.Infof("📊 summary:\n%s", out)
	}
	if runErr != nil {
		logger.Fatalf("❌ run %s failed: %v", runCfg.RunID, runErr)
	}
}

func runBacktest(ctx context.Context, cfg *config.RunConfig, opts kernel.Options) (*backtest.Report, error) {
	events, err := backtest.LoadEvents(ctx, cfg, market.NewKlineLoader())
	if err != nil {
		return nil, err
	}
	return backtest.Run(ctx, cfg, events, opts)
}

func runLive(ctx context.Context, cfg *config.RunConfig, env *config.Config, st *store.Store, m *metrics.Metrics, opts kernel.Options) (*backtest.Report, error) {
	box := crypto.NewSecretBox(env.DataEncryptionKey)

	registry := trader.NewRegistry()
	registry.Register(config.ModePaper, func(c *config.RunConfig) (trader.ExecutionPort, error) {
		return paper.FromConfig(c), nil
	})
	registry.Register(config.ModeLive, func(c *config.RunConfig) (trader.ExecutionPort, error) {
		apiKey, err := box.Reveal(env.BinanceAPIKey, "binance", "api_key")
		if err != nil {
			return nil, fmt.Errorf("binance api key: %w", err)
		}
		secret, err := box.Reveal(env.BinanceSecretKey, "binance", "secret_key")
		if err != nil {
			return nil, fmt.Errorf("binance secret key: %w", err)
		}
		if apiKey == "" || secret == "" {
			return nil, config.Errorf("exchange", "BINANCE_API_KEY and BINANCE_SECRET_KEY are required in live mode")
		}
		return binance.New(binance.Options{APIKey: apiKey, SecretKey: secret, Testnet: env.BinanceTestnet}, c), nil
	})

	port, err := registry.Build(cfg)
	if err != nil {
		return nil, err
	}
	if pp, ok := port.(*paper.Port); ok {
		defer pp.Close()
	}

	var fills <-chan trader.FillEvent
	if fs, ok := port.(trader.FillStreamer); ok {
		fills = fs.Fills()
		opts.Fills = fills
	}

	engine, err := kernel.New(cfg, port, opts)
	if err != nil {
		return nil, err
	}
	server := api.NewServer(engine, st, m.Handler(), env.APIServerPort)

	// the fill poller outlives ctx so unwinding still sees its fills
	pollCtx, stopPoll := context.WithCancel(context.Background())
	defer stopPoll()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)

	if bp, ok := port.(*binance.Port); ok {
		g.Go(func() error { return bp.Run(pollCtx) })
	}

	var res *kernel.Result
	g.Go(func() error {
		defer stopPoll()
		defer server.Shutdown()
		stream := market.NewTradeStream(cfg.Exchange.Symbol(), cfg.Exchange.Testnet || env.BinanceTestnet)
		defer stream.Close()
		prices, err := stream.Stream(gctx)
		if err != nil {
			return err
		}
		var runErr error
		res, runErr = engine.Run(gctx, kernel.MergeEvents(gctx, prices, fills))
		return runErr
	})

	err = g.Wait()
	if res == nil {
		return nil, err
	}
	return &backtest.Report{
		Result:  res,
		Summary: backtest.Summarize(res.Snapshots, res.InitialEquity, res.Stats),
	}, err
}

func buildNotifier(env *config.Config) kernel.Notifier {
	if env.TelegramBotToken == "" || env.TelegramChatID == 0 {
		return notify.Log{}
	}
	tg, err := notify.NewTelegram(env.TelegramBotToken, env.TelegramChatID, "[gridbot] ")
	if err != nil {
		logger.Warnf("⚠️  Telegram disabled: %v", err)
		return notify.Log{}
	}
	logger.AddHook(logger.NewAlertHook(logrus.FatalLevel, func(msg string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tg.Notify(ctx, msg)
	}))
	return notify.Multi{notify.Log{}, tg}
}

func saveRun(ctx context.Context, st *store.Store, cfg *config.RunConfig) {
	raw, _ := json.Marshal(cfg)
	err := st.Run().Save(ctx, &store.RunModel{
		ID:         cfg.RunID,
		Mode:       string(cfg.Mode),
		Symbol:     cfg.Exchange.Symbol(),
		State:      string(kernel.StateInitializing),
		ConfigJSON: string(raw),
		StartedAt:  time.Now().UTC(),
	})
	if err != nil {
		logger.Warnf("⚠️  failed to journal run: %v", err)
	}
}

func finishRun(st *store.Store, runID string, report *backtest.Report, runErr error) {
	state, riskState, reason := string(kernel.StateTerminated), "", ""
	summary := []byte("{}")
	if report != nil && report.Result != nil {
		state = string(report.Result.State)
		riskState = string(report.Result.Risk)
		reason = report.Result.Reason
		summary, _ = json.Marshal(report.Summary)
	}
	if runErr != nil {
		reason = runErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Run().Finish(ctx, runID, state, riskState, reason, string(summary)); err != nil {
		logger.Warnf("⚠️  failed to journal run result: %v", err)
	}
}
