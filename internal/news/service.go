package news

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"mm-control-plane/config"
	"mm-control-plane/internal/cache"
)

const calendarWindowDays = 3

// EventStore persists calendar events keyed by (source, sourceId).
type EventStore interface {
	UpsertEconomicEvents(ctx context.Context, events []EconomicEvent) error
	ListEconomicEvents(ctx context.Context, currency string, from, to time.Time) ([]EconomicEvent, error)
}

// Service fetches, caches and evaluates the economic calendar.
type Service struct {
	cfg    config.NewsConfig
	client *resty.Client
	store  EventStore
	cache  *cache.CacheService
	log    zerolog.Logger
	now    func() time.Time
}

func NewService(cfg config.NewsConfig, store EventStore, cacheSvc *cache.CacheService, log zerolog.Logger) *Service {
	client := resty.New().
		SetBaseURL(cfg.CalendarURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(1)
	return &Service{
		cfg:    cfg,
		client: client,
		store:  store,
		cache:  cacheSvc,
		log:    log.With().Str("component", "news").Logger(),
		now:    time.Now,
	}
}

// calendarItem is the upstream wire shape. Timestamps arrive as RFC3339
// or "2006-01-02 15:04:05" UTC depending on the provider.
type calendarItem struct {
	ID       string `json:"id"`
	Date     string `json:"date"`
	Country  string `json:"country"`
	Currency string `json:"currency"`
	Title    string `json:"title"`
	Impact   string `json:"impact"`
	Forecast string `json:"forecast"`
	Previous string `json:"previous"`
	Actual   string `json:"actual"`
}

// RefreshEconomicCalendar pulls a 3-day forward window for the
// configured currencies, upserts the events and warms the day-bucket
// and next-event caches. Returns the number of events stored.
func (s *Service) RefreshEconomicCalendar(ctx context.Context) (int, error) {
	if !s.cfg.Enabled {
		return 0, nil
	}
	now := s.now().UTC()
	from := now.Truncate(24 * time.Hour)
	to := from.AddDate(0, 0, calendarWindowDays)

	var items []calendarItem
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"from": from.Format("2006-01-02"),
			"to":   to.Format("2006-01-02"),
		}).
		SetResult(&items).
		Get("")
	if err != nil {
		return 0, fmt.Errorf("calendar fetch: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("calendar fetch: status %d", resp.StatusCode())
	}

	wanted := make(map[string]bool, len(s.cfg.Currencies))
	for _, cur := range s.cfg.Currencies {
		wanted[strings.ToUpper(cur)] = true
	}

	events := make([]EconomicEvent, 0, len(items))
	for _, item := range items {
		ts, ok := parseCalendarTime(item.Date)
		if !ok {
			continue
		}
		currency := strings.ToUpper(item.Currency)
		if len(wanted) > 0 && !wanted[currency] {
			continue
		}
		events = append(events, EconomicEvent{
			SourceID: item.ID,
			Ts:       ts,
			Currency: currency,
			Country:  item.Country,
			Title:    item.Title,
			Impact:   strings.ToLower(item.Impact),
			Forecast: item.Forecast,
			Previous: item.Previous,
			Actual:   item.Actual,
			Source:   "calendar",
		})
	}

	if len(events) > 0 {
		if err := s.store.UpsertEconomicEvents(ctx, events); err != nil {
			return 0, fmt.Errorf("calendar upsert: %w", err)
		}
	}
	s.warmCaches(ctx, events, from, to)
	s.log.Info().Int("events", len(events)).Time("from", from).Time("to", to).Msg("economic calendar refreshed")
	return len(events), nil
}

func parseCalendarTime(raw string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func (s *Service) warmCaches(ctx context.Context, events []EconomicEvent, from, to time.Time) {
	if s.cache == nil {
		return
	}
	byCurrencyDay := make(map[string]map[string][]EconomicEvent)
	for _, ev := range events {
		day := ev.Ts.UTC().Format("2006-01-02")
		if byCurrencyDay[ev.Currency] == nil {
			byCurrencyDay[ev.Currency] = make(map[string][]EconomicEvent)
		}
		byCurrencyDay[ev.Currency][day] = append(byCurrencyDay[ev.Currency][day], ev)
	}
	for currency, days := range byCurrencyDay {
		for day, bucket := range days {
			key := cache.NewsDayKey(currency, day)
			if err := s.cache.SetJSON(ctx, key, bucket, cache.DefaultNewsDayTTL); err != nil {
				s.log.Debug().Err(err).Str("key", key).Msg("news day cache write skipped")
			}
		}
		res := EvaluateNewsBlackout(s.now(), currency, events, s.blackoutConfig())
		if res.NextEvent != nil {
			key := cache.NewsNextKey(currency, s.cfg.ImpactMin)
			if err := s.cache.SetJSON(ctx, key, res.NextEvent, cache.DefaultNewsNextTTL); err != nil {
				s.log.Debug().Err(err).Str("key", key).Msg("news next cache write skipped")
			}
		}
	}
}

// ListEconomicEvents returns the events for one currency and UTC day,
// serving from the day-bucket cache when possible.
func (s *Service) ListEconomicEvents(ctx context.Context, currency, day string) ([]EconomicEvent, error) {
	currency = strings.ToUpper(currency)
	dayStart, err := time.Parse("2006-01-02", day)
	if err != nil {
		return nil, fmt.Errorf("invalid day %q: %w", day, err)
	}

	if s.cache != nil {
		var cached []EconomicEvent
		if cerr := s.cache.GetJSON(ctx, cache.NewsDayKey(currency, day), &cached); cerr == nil {
			return cached, nil
		} else if !cache.IsMiss(cerr) {
			s.log.Debug().Err(cerr).Msg("news day cache read skipped")
		}
	}

	events, err := s.store.ListEconomicEvents(ctx, currency, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if cerr := s.cache.SetJSON(ctx, cache.NewsDayKey(currency, day), events, cache.DefaultNewsDayTTL); cerr != nil {
			s.log.Debug().Err(cerr).Msg("news day cache write skipped")
		}
	}
	return events, nil
}

func (s *Service) blackoutConfig() BlackoutConfig {
	return BlackoutConfig{
		ImpactMin:   s.cfg.ImpactMin,
		PreMinutes:  s.cfg.PreMinutes,
		PostMinutes: s.cfg.PostMinutes,
	}
}

// EvaluateNewsRiskForSymbol resolves the symbol's calendar currency and
// evaluates the blackout over the surrounding two UTC days.
func (s *Service) EvaluateNewsRiskForSymbol(ctx context.Context, symbol string) (BlackoutResult, error) {
	currency := CurrencyForSymbol(symbol)
	if !s.cfg.Enabled {
		return BlackoutResult{Currency: currency}, nil
	}
	now := s.now().UTC()
	events, err := s.store.ListEconomicEvents(ctx, currency, now.AddDate(0, 0, -1), now.AddDate(0, 0, 1))
	if err != nil {
		return BlackoutResult{Currency: currency}, err
	}
	return EvaluateNewsBlackout(now, currency, events, s.blackoutConfig()), nil
}

// Blackout reports whether the symbol is inside an active news window.
// It satisfies the bot runner's news checker.
func (s *Service) Blackout(ctx context.Context, symbol string) (bool, error) {
	res, err := s.EvaluateNewsRiskForSymbol(ctx, symbol)
	if err != nil {
		// Degrade open: a calendar outage must not halt quoting.
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("news blackout check degraded")
		return false, nil
	}
	return res.NewsRisk, nil
}
