package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/qmtlab/qmt-bridge-go/internal/database"
	"github.com/qmtlab/qmt-bridge-go/internal/models"
	"github.com/qmtlab/qmt-bridge-go/internal/qmt"
)

const klineCacheTTL = 30 * time.Second

// MarketHandler serves reads from the native client's local data cache.
// redis may be nil; the response cache is then skipped entirely.
type MarketHandler struct {
	native qmt.NativeAPI
	redis  *database.RedisClient
}

func NewMarketHandler(native qmt.NativeAPI, redis *database.RedisClient) *MarketHandler {
	return &MarketHandler{
		native: native,
		redis:  redis,
	}
}

// GetKline handles GET /api/v1/market/kline/:instrument. It reads only the
// local cache and never triggers a download; an instrument never downloaded
// simply returns zero bars.
func (h *MarketHandler) GetKline(c *gin.Context) {
	instrument := c.Param("instrument")
	period := models.Period(c.DefaultQuery("period", "1d"))
	if !period.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown period %q", period)})
		return
	}
	count := 0
	if raw := c.Query("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "count must be a non-negative integer"})
			return
		}
		count = parsed
	}
	start := c.Query("start")
	end := c.Query("end")

	cacheKey := fmt.Sprintf("kline:%s:%s:%s:%s:%d", instrument, period, start, end, count)
	if h.redis != nil {
		var cached models.KlineResponse
		hit, err := h.redis.GetJSON(c.Request.Context(), cacheKey, &cached)
		if err != nil {
			logrus.WithError(err).Warn("kline cache read failed")
		} else if hit {
			cached.Cached = true
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	data, err := h.native.LocalKlines(c.Request.Context(), &qmt.LocalKlineRequest{
		Instruments: []string{instrument},
		Period:      period,
		StartTime:   start,
		EndTime:     end,
		Count:       count,
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	bars := make([]models.Bar, 0, len(data[instrument]))
	for _, wb := range data[instrument] {
		bar, ok := barFromWire(wb)
		if !ok {
			continue
		}
		bars = append(bars, bar)
	}

	resp := models.KlineResponse{
		Instrument: instrument,
		Period:     period,
		Bars:       bars,
		Cached:     false,
		Timestamp:  time.Now(),
	}
	if h.redis != nil {
		if err := h.redis.SetJSON(c.Request.Context(), cacheKey, resp, klineCacheTTL); err != nil {
			logrus.WithError(err).Warn("kline cache write failed")
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GetFinancial handles GET /api/v1/market/financial/:instrument.
func (h *MarketHandler) GetFinancial(c *gin.Context) {
	instrument := c.Param("instrument")
	tables := c.QueryArray("table")
	if len(tables) == 0 {
		tables = []string{"Balance", "Income", "CashFlow"}
	}

	data, err := h.native.FinancialData(c.Request.Context(), []string{instrument}, tables)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instrument": instrument,
		"tables":     data[instrument],
		"timestamp":  time.Now(),
	})
}

// GetSectorStocks handles GET /api/v1/market/sector/:name.
func (h *MarketHandler) GetSectorStocks(c *gin.Context) {
	name := c.Param("name")
	stocks, err := h.native.StockListInSector(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sector":      name,
		"instruments": stocks,
		"count":       len(stocks),
	})
}

// barFromWire converts the sidecar's bar representation, resolving whichever
// time encoding the native call variant produced.
func barFromWire(wb qmt.WireBar) (models.Bar, bool) {
	bar := models.Bar{
		Open:   wb.Open,
		High:   wb.High,
		Low:    wb.Low,
		Close:  wb.Close,
		Volume: wb.Volume,
		Amount: wb.Amount,
	}
	if wb.TimeMs > 0 {
		bar.Time = time.UnixMilli(wb.TimeMs)
		return bar, true
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02", "20060102150405", "20060102"} {
		if t, err := time.Parse(layout, wb.Time); err == nil {
			bar.Time = t
			return bar, true
		}
	}
	return models.Bar{}, false
}
