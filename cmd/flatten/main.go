// flatten 一次性清理一条腿：撤掉全部挂单，按盘口第 5 档加 5% 滑点市价平仓，再采样确认。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/hedgebot/internal/app"
	"github.com/betbot/hedgebot/internal/flatten"
	"github.com/betbot/hedgebot/internal/infrastructure/venue"
	"github.com/betbot/hedgebot/internal/oms"
	"github.com/betbot/hedgebot/pkg/config"
	"github.com/betbot/hedgebot/pkg/logger"
)

func main() {
	legFlag := flag.String("leg", "", "要清理的腿: a 或 b")
	market := flag.String("market", "BTC", "市场代码")
	configPath := flag.String("config", "", "配置文件路径（.yaml/.yml）")
	timeout := flag.Duration("timeout", 2*time.Minute, "整体超时")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}
	leg, err := app.ParseLeg(*legFlag)
	if err != nil {
		logrus.Errorf("%v", err)
		os.Exit(2)
	}
	if *configPath != "" {
		config.SetConfigPath(*configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}
	account := cfg.Accounts.A
	if leg == app.LegB {
		account = cfg.Accounts.B
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	gw := venue.NewClient(venue.Config{
		BaseURL:      cfg.Venue.BaseURL,
		AccountIndex: account.Index,
		APIKeyIndex:  account.APIKeyIndex,
		RateLimitRPS: cfg.Venue.RateLimitRPS,
		RateBurst:    cfg.Venue.RateBurst,
		Timeout:      cfg.Venue.Timeout,
	}, venue.NewRemoteSigner(cfg.Venue.SignerURL, cfg.Venue.SignerToken, cfg.Venue.Timeout))

	spec, err := gw.MarketSpec(ctx, *market)
	if err != nil {
		logrus.Errorf("解析市场失败: %v", err)
		os.Exit(1)
	}
	m := oms.New(gw, spec, oms.Config{
		Leg:          account.Name,
		AccountIndex: account.Index,
		NonceRetries: cfg.Orders.NonceRetries,
		NonceBackoff: cfg.Orders.NonceBackoff,
	})
	f := flatten.New(m, gw, nil, nil, nil, flatten.Config{
		Account:         account.Name,
		Market:          spec,
		Slippage:        cfg.SlippageDecimal(),
		ConfirmAttempts: cfg.Hedge.ConfirmAttempts,
		ConfirmInterval: cfg.Hedge.ConfirmInterval,
	})

	logrus.Warnf("🧹 清理账户 %s(%d) 在 %s 上的挂单与仓位", account.Name, account.Index, spec.Symbol)
	res, err := f.CloseOwn(ctx, "manual quick clear")
	if err != nil {
		logrus.Errorf("❌ 清理失败: %v", err)
		os.Exit(1)
	}
	if res.Skipped {
		logrus.Infof("✅ 无仓位，已撤 %d 个挂单", res.Canceled)
		return
	}
	after := "unknown"
	if res.After != nil {
		after = fmt.Sprintf("%s(%d)", res.After.Size, res.After.Sign)
	}
	logrus.Infof("✅ 清理完成: 撤单=%d 平仓=%s %s 平仓后=%s", res.Canceled, res.Side, res.Filled, after)
}
