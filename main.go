package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/loyvsc/hyperquant/config"
	"github.com/loyvsc/hyperquant/connector"
	"github.com/loyvsc/hyperquant/internal/bitfinex"
	"github.com/loyvsc/hyperquant/logger"
	"github.com/loyvsc/hyperquant/models"
	"github.com/loyvsc/hyperquant/valuation"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Hyperquant.Name,
		"version":     cfg.Hyperquant.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting hyperquant")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	conn := connector.New(connector.Config{
		REST: bitfinex.RESTConfig{
			BaseURL:           cfg.Source.Bitfinex.RestURL,
			Timeout:           cfg.Source.Bitfinex.Timeout,
			RequestsPerMinute: cfg.Source.Bitfinex.RateLimit.RequestsPerMinute,
		},
		Socket: bitfinex.SocketConfig{URL: cfg.Source.Bitfinex.WsURL},
	})
	defer func() {
		if err := conn.Close(); err != nil {
			log.WithError(err).Warn("connector shutdown failed")
		}
	}()

	portfolio := models.NewPortfolio()
	for _, holding := range cfg.Valuation.Portfolio {
		amount, err := decimal.NewFromString(holding.Amount)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"currency": holding.Currency}).Error("invalid portfolio amount")
			os.Exit(1)
		}
		portfolio.Set(holding.Currency, amount)
	}

	engine := valuation.NewEngine(conn, cfg.Valuation.ReserveAsset)
	for _, target := range cfg.Valuation.TargetCurrencies {
		value, outcomes, err := engine.CalculatePortfolioValueDetailed(ctx, portfolio, target)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"target": target}).Error("valuation failed")
			continue
		}
		skipped := 0
		for _, outcome := range outcomes {
			if outcome.Outcome == valuation.OutcomeSkipped {
				skipped++
			}
		}
		log.WithComponent("valuation").WithFields(logger.Fields{
			"target":  value.Currency,
			"value":   value.Value.String(),
			"skipped": skipped,
		}).Info("portfolio valued")
	}

	buyID := conn.OnNewBuyTrade(func(trade models.Trade) {
		log.WithComponent("stream").WithFields(logger.Fields{
			"pair":   trade.Pair,
			"price":  trade.Price.String(),
			"amount": trade.Amount.String(),
		}).Info("new buy trade")
	})
	sellID := conn.OnNewSellTrade(func(trade models.Trade) {
		log.WithComponent("stream").WithFields(logger.Fields{
			"pair":   trade.Pair,
			"price":  trade.Price.String(),
			"amount": trade.Amount.String(),
		}).Info("new sell trade")
	})
	defer conn.OffNewBuyTrade(buyID)
	defer conn.OffNewSellTrade(sellID)

	for _, pair := range cfg.Stream.TradePairs {
		if err := conn.SubscribeTrades(ctx, pair, connector.DefaultTradeSubCount); err != nil {
			log.WithError(err).WithFields(logger.Fields{"pair": pair}).Error("trade subscription failed")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutting down")
}
