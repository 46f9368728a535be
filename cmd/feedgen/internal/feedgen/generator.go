package feedgen

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ireish/crypto-price-tracker/pkg/models"
)

// TickGenerator walks each configured symbol's price and pushes every tick
// into the sink. One symbol per step, picked at random, like a thin market.
type TickGenerator struct {
	logger      *zap.Logger
	sink        Sink
	tickers     []string
	prices      map[string]float64
	rand        Rand
	clock       Clock
	interval    time.Duration
	seqCounters map[string]int64
}

func NewTickGenerator(
	logger *zap.Logger,
	sink Sink,
	tickers []string,
	basePrices map[string]float64,
	rnd Rand,
	clock Clock,
	interval time.Duration,
) *TickGenerator {
	prices := make(map[string]float64, len(basePrices))
	for sym, p := range basePrices {
		prices[sym] = p
	}
	return &TickGenerator{
		logger:      logger,
		sink:        sink,
		tickers:     tickers,
		prices:      prices,
		rand:        rnd,
		clock:       clock,
		interval:    interval,
		seqCounters: make(map[string]int64),
	}
}

func (g *TickGenerator) Run(ctx context.Context) {
	g.logger.Info("Feed generator started", zap.Strings("tickers", g.tickers))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if len(g.tickers) == 0 {
				g.clock.Sleep(1 * time.Second)
				continue
			}

			symbol := g.tickers[g.rand.Intn(len(g.tickers))]
			fluctuation := (g.rand.Float64() * 10) - 5
			price := g.prices[symbol] + fluctuation
			if price < 0 {
				price = 0
			}
			g.prices[symbol] = price
			g.seqCounters[symbol]++

			update := models.PriceUpdate{
				Symbol:    symbol,
				Price:     price,
				Timestamp: g.clock.Now().UnixMilli(),
				SeqID:     g.seqCounters[symbol],
			}

			payload, err := json.Marshal(update)
			if err != nil {
				g.logger.Error("JSON Marshal Error", zap.Error(err))
				continue
			}

			if err := g.sink.Emit(ctx, symbol, payload); err != nil {
				g.logger.Error("Sink Emit Error", zap.String("symbol", symbol), zap.Error(err))
			} else {
				g.logger.Debug("Sent tick", zap.String("symbol", symbol), zap.Float64("price", price))
			}

			g.clock.Sleep(g.interval)
		}
	}
}
