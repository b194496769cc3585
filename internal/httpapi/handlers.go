package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"funding-rate-alerts/internal/funding"
	"funding-rate-alerts/internal/history"
	"funding-rate-alerts/internal/query"
)

// Response is the envelope of every API reply.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ReadingView is a settled rate.
type ReadingView struct {
	Symbol        string    `json:"symbol"`
	Rate          string    `json:"rate"`
	RatePct       string    `json:"rate_pct"`
	IntervalHours int       `json:"interval_hours"`
	SettledAt     time.Time `json:"settled_at"`
}

// TickerView is a live rate.
type TickerView struct {
	Symbol          string     `json:"symbol"`
	Rate            string     `json:"rate"`
	RatePct         string     `json:"rate_pct"`
	Bias            string     `json:"bias"`
	IntervalHours   int        `json:"interval_hours"`
	NextFundingTime *time.Time `json:"next_funding_time,omitempty"`
}

// CurrentView is the answer of /funding/:symbol.
type CurrentView struct {
	TickerView
	LastSettled *ReadingView `json:"last_settled,omitempty"`
	Tier        string       `json:"tier,omitempty"`
}

// DayView is the answer of /funding/:symbol/history.
type DayView struct {
	Symbol   string        `json:"symbol"`
	Date     string        `json:"date"`
	Readings []ReadingView `json:"readings"`
	Sum      string        `json:"sum"`
	SumPct   string        `json:"sum_pct"`
	Count    int           `json:"count"`
}

// AlertView is a recorded alert.
type AlertView struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Kind         string    `json:"kind"`
	PreviousRate string    `json:"previous_rate"`
	NewRate      string    `json:"new_rate"`
	SettledAt    time.Time `json:"settled_at"`
	CreatedAt    time.Time `json:"created_at"`
}

func newReadingView(r funding.Reading) ReadingView {
	return ReadingView{
		Symbol:        r.Symbol,
		Rate:          r.Rate.String(),
		RatePct:       funding.FormatPercent(r.Rate),
		IntervalHours: r.IntervalHours,
		SettledAt:     r.SettledAt.UTC(),
	}
}

func newTickerView(t funding.Ticker) TickerView {
	v := TickerView{
		Symbol:        t.Symbol,
		Rate:          t.Rate.String(),
		RatePct:       funding.FormatPercent(t.Rate),
		Bias:          funding.BiasOf(t.Rate).String(),
		IntervalHours: t.IntervalHours,
	}
	if !t.NextFundingTime.IsZero() {
		next := t.NextFundingTime.UTC()
		v.NextFundingTime = &next
	}
	return v
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, Response{Success: false, Error: msg})
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func queryLimit(c *gin.Context, def, ceiling int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > ceiling {
		n = ceiling
	}
	return n, true
}

func (s *Server) health(c *gin.Context) {
	if s.pinger != nil {
		if err := s.pinger.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "storage": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) top(c *gin.Context) {
	limit, valid := queryLimit(c, s.responder.TopN(), 500)
	if !valid {
		fail(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	list, err := s.responder.Top(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	out := make([]TickerView, len(list))
	for i, t := range list {
		out[i] = newTickerView(t)
	}
	ok(c, out)
}

func (s *Server) current(c *gin.Context) {
	symbol := funding.NormalizeSymbol(c.Param("symbol"), s.opts.Quote)
	snap, err := s.responder.Current(c.Request.Context(), symbol)
	switch {
	case errors.Is(err, query.ErrUnknownSymbol):
		fail(c, http.StatusNotFound, "symbol "+symbol+" not found")
		return
	case err != nil:
		fail(c, http.StatusBadGateway, err.Error())
		return
	}

	view := CurrentView{TickerView: newTickerView(snap.Ticker)}
	if snap.Settled != nil {
		rv := newReadingView(*snap.Settled)
		view.LastSettled = &rv
	}
	if snap.Tier != nil {
		view.Tier = snap.Tier.String()
	}
	ok(c, view)
}

func (s *Server) dayHistory(c *gin.Context) {
	symbol := funding.NormalizeSymbol(c.Param("symbol"), s.opts.Quote)
	date, err := history.ParseDate(c.Query("date"))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	day, err := s.responder.Historical(c.Request.Context(), symbol, date)
	switch {
	case errors.Is(err, history.ErrFutureDate):
		fail(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		fail(c, http.StatusBadGateway, err.Error())
		return
	}

	view := DayView{
		Symbol:   symbol,
		Date:     day.Date.Format("2006-01-02"),
		Readings: make([]ReadingView, len(day.Readings)),
		Sum:      day.Sum.String(),
		SumPct:   funding.FormatPercent(day.Sum),
		Count:    day.Count(),
	}
	for i, r := range day.Readings {
		view.Readings[i] = newReadingView(r)
	}
	ok(c, view)
}

func (s *Server) recentAlerts(c *gin.Context) {
	if s.alerts == nil {
		fail(c, http.StatusNotImplemented, "alert store not configured")
		return
	}
	limit, valid := queryLimit(c, 50, 1000)
	if !valid {
		fail(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	records, err := s.alerts.ListRecentAlerts(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]AlertView, len(records))
	for i, r := range records {
		out[i] = AlertView{
			ID:           r.ID,
			Symbol:       r.Symbol,
			Kind:         string(r.Kind),
			PreviousRate: r.PreviousRate.String(),
			NewRate:      r.NewRate.String(),
			SettledAt:    r.SettledAt.UTC(),
			CreatedAt:    r.CreatedAt.UTC(),
		}
	}
	ok(c, out)
}

func (s *Server) status(c *gin.Context) {
	st, running := s.responder.Status()
	if !running {
		fail(c, http.StatusServiceUnavailable, "monitor not running in this process")
		return
	}
	data := gin.H{
		"primary":       st.Primary,
		"tracked":       st.Tracked,
		"interval":      st.Interval.String(),
		"alerts_raised": st.AlertsRaised,
		"channels":      st.Channels,
	}
	if !st.LastTick.IsZero() {
		data["last_tick"] = st.LastTick.UTC()
	}
	if !st.LastRefresh.IsZero() {
		data["last_refresh"] = st.LastRefresh.UTC()
	}
	ok(c, data)
}
