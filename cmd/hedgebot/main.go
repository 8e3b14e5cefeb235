package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hedgebot/internal/app"
	"github.com/betbot/hedgebot/internal/bus"
	"github.com/betbot/hedgebot/internal/controlapi"
	"github.com/betbot/hedgebot/internal/domain"
	"github.com/betbot/hedgebot/internal/infrastructure/venue"
	"github.com/betbot/hedgebot/internal/journal"
	"github.com/betbot/hedgebot/internal/ports"
	"github.com/betbot/hedgebot/pkg/config"
	"github.com/betbot/hedgebot/pkg/logger"
	"github.com/betbot/hedgebot/pkg/shutdown"
	"github.com/betbot/hedgebot/pkg/statestore"
)

// withSuffix logs/hedge.log + a -> logs/hedge_a.log
func withSuffix(path, suffix string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_" + suffix + ext
}

func main() {
	legFlag := flag.String("leg", "", "腿: a（限价发起）或 b（市价对冲）")
	market := flag.String("market", "BTC", "市场代码")
	quantity := flag.String("quantity", "", "发起腿每轮下单数量（基础币单位）")
	depth := flag.Int("depth", 1, "发起腿挂单使用的盘口档位")
	sideFlag := flag.String("side", "buy", "发起腿方向: buy 或 sell")
	configPath := flag.String("config", "", "配置文件路径（.yaml/.yml）")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	leg, err := app.ParseLeg(*legFlag)
	if err != nil {
		logrus.Errorf("%v", err)
		os.Exit(2)
	}
	side := domain.Side(strings.ToLower(*sideFlag))
	if !side.Valid() {
		logrus.Errorf("方向非法: %s", *sideFlag)
		os.Exit(2)
	}
	var qty decimal.Decimal
	if leg == app.LegA {
		qty, err = decimal.NewFromString(*quantity)
		if err != nil || !qty.IsPositive() {
			logrus.Errorf("发起腿必须指定正的 -quantity: %q", *quantity)
			os.Exit(2)
		}
	}

	if *configPath != "" {
		config.SetConfigPath(*configPath)
		logrus.Infof("使用配置文件: %s", *configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}

	logCfg := logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: withSuffix(cfg.Log.File, string(leg)),
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		LogByDay:   cfg.Log.ByDay,
	}
	if err := logger.Init(logCfg); err != nil {
		logrus.Errorf("初始化日志失败: %v", err)
		os.Exit(1)
	}
	stopRotation := make(chan struct{})
	logger.StartRotationChecker(logCfg, stopRotation)
	logger.Infof("日志文件: %s", logger.GetCurrentLogFile())

	account := cfg.Accounts.A
	if leg == app.LegB {
		account = cfg.Accounts.B
	}
	logrus.Infof("🚀 启动对冲进程: leg=%s account=%s(%d) market=%s qty=%s depth=%d bus=%s",
		leg, account.Name, account.Index, *market, qty, *depth, cfg.Bus.Driver)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	sd := shutdown.NewManager()
	sd.OnShutdown("logger", func(context.Context) {
		close(stopRotation)
		_ = logger.Close()
	})
	// 网关就绪后才有值：初始化失败时尽力撤掉本腿挂单
	var cancelOrders func()
	// fatal 初始化失败：尽力清理后退出
	fatal := func(format string, args ...any) {
		logrus.Errorf(format, args...)
		if cancelOrders != nil {
			cancelOrders()
		}
		rootCancel()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		sd.Shutdown(ctx)
		os.Exit(1)
	}

	var b ports.Bus
	switch cfg.Bus.Driver {
	case "memory":
		logrus.Warnf("使用进程内总线：只有同一进程内的两腿能互相通信")
		b = bus.NewMemoryBus()
	default:
		rb, err := bus.NewRedisBus(rootCtx, bus.RedisConfig{Addr: cfg.Bus.Addr, Password: cfg.Bus.Password, DB: cfg.Bus.DB})
		if err != nil {
			fatal("连接消息总线失败: %v", err)
		}
		b = rb
	}
	sd.OnShutdown("bus", func(context.Context) { _ = b.Close() })

	store, err := statestore.Open(statestore.OpenOptions{Path: filepath.Join(cfg.State.BadgerPath, account.Name)})
	if err != nil {
		fatal("打开本地状态库失败: %v", err)
	}
	sd.OnShutdown("statestore", func(context.Context) { _ = store.Close() })

	jr, err := journal.Open(withSuffix(cfg.State.JournalPath, account.Name))
	if err != nil {
		fatal("打开审计库失败: %v", err)
	}
	sd.OnShutdown("journal", func(context.Context) { _ = jr.Close() })

	signer := venue.NewRemoteSigner(cfg.Venue.SignerURL, cfg.Venue.SignerToken, cfg.Venue.Timeout)
	gw := venue.NewClient(venue.Config{
		BaseURL:      cfg.Venue.BaseURL,
		AccountIndex: account.Index,
		APIKeyIndex:  account.APIKeyIndex,
		RateLimitRPS: cfg.Venue.RateLimitRPS,
		RateBurst:    cfg.Venue.RateBurst,
		Timeout:      cfg.Venue.Timeout,
	}, signer)
	cancelOrders = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if n, err := app.CancelOpenOrders(ctx, gw, *market); err != nil {
			logrus.Warnf("[启动] 退出前撤单失败: %v", err)
		} else if n > 0 {
			logrus.Infof("[启动] 退出前已撤 %d 个挂单", n)
		}
	}

	rt, err := app.Build(rootCtx, app.BuildOptions{
		Cfg:      cfg,
		Leg:      leg,
		Market:   *market,
		Side:     side,
		Quantity: qty,
		Depth:    *depth,
		Gateway:  gw,
		Bus:      b,
		Store:    store,
		Journal:  jr,
	})
	if err != nil {
		fatal("组装运行时失败: %v", err)
	}
	if err := rt.Start(rootCtx); err != nil {
		fatal("启动失败: %v", err)
	}
	sd.OnShutdown("runtime", func(ctx context.Context) {
		if err := rt.Stop(ctx); err != nil {
			logrus.Warnf("停止运行时: %v", err)
		}
	})

	if cfg.Control.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Control.Listen,
			Handler:           controlapi.New(rt).Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logrus.Infof("🛠️ 控制接口已启动: http://%s", cfg.Control.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.Errorf("控制接口异常退出: %v", err)
			}
		}()
		sd.OnShutdown("control_api", func(ctx context.Context) { _ = srv.Shutdown(ctx) })
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logrus.Infof("收到信号 %v，开始关闭...", sig)

	rootCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sd.Shutdown(ctx)
	logrus.Info("已退出")
}
