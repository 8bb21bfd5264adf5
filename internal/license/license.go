// Package license enforces workspace entitlements: bot start limits,
// exchange allowlists, and strategy/AI-model allowlists resolved from
// plan defaults. Entitlements come from the license server as signed
// JWTs and are cached.
package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"mm-control-plane/internal/cache"
)

// Decision reason values.
const (
	DecisionOK                 = "ok"
	DecisionEnforcementOff     = "enforcement_off"
	DecisionMaxBotsTotal       = "max_bots_total_exceeded"
	DecisionMaxRunningBots     = "max_running_bots_exceeded"
	DecisionExchangeNotAllowed = "exchange_not_allowed"
	DecisionServerUnreachable  = "license_server_unreachable"
)

// Decision is the gate outcome; Reason is one of the values above.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// StartRequest describes one bot-start admission check.
type StartRequest struct {
	UserID           string
	Exchange         string
	TotalBots        int
	RunningBots      int
	IsAlreadyRunning bool
}

// Entitlements are the decoded workspace limits.
type Entitlements struct {
	Plan                 string   `json:"plan"`
	MaxBotsTotal         int      `json:"maxBotsTotal"`
	MaxRunningBots       int      `json:"maxRunningBots"`
	AllowedExchanges     []string `json:"allowedExchanges"`
	AllowedStrategyKinds []string `json:"allowedStrategyKinds"`
	AllowedAiModels      []string `json:"allowedAiModels"`
}

// planDefaults fill entitlement fields the server leaves empty.
var planDefaults = map[string]Entitlements{
	"free": {
		MaxBotsTotal:         2,
		MaxRunningBots:       1,
		AllowedExchanges:     []string{"binance"},
		AllowedStrategyKinds: []string{"ts"},
		AllowedAiModels:      nil,
	},
	"pro": {
		MaxBotsTotal:         20,
		MaxRunningBots:       10,
		AllowedExchanges:     []string{"*"},
		AllowedStrategyKinds: []string{"ts", "python"},
		AllowedAiModels:      []string{"gpt-4o-mini"},
	},
	"enterprise": {
		MaxBotsTotal:         0, // unlimited
		MaxRunningBots:       0,
		AllowedExchanges:     []string{"*"},
		AllowedStrategyKinds: []string{"ts", "python", "composite"},
		AllowedAiModels:      []string{"*"},
	},
}

// Config tunes the gate.
type Config struct {
	Enforcement bool
	ServerURL   string
	SigningKey  string // HMAC key the license server signs tokens with
	CacheTTL    time.Duration
	Timeout     time.Duration
}

// Gate is the entitlement checker.
type Gate struct {
	cfg    Config
	client *resty.Client
	cache  *cache.CacheService
	log    zerolog.Logger
	now    func() time.Time
}

func NewGate(cfg Config, cacheSvc *cache.CacheService, log zerolog.Logger) *Gate {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 600 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.ServerURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(1)
	return &Gate{
		cfg:    cfg,
		client: client,
		cache:  cacheSvc,
		log:    log.With().Str("component", "license").Logger(),
		now:    time.Now,
	}
}

// EnforceBotStart applies the start rules in order: enforcement switch,
// entitlement availability, total-bot cap, running-bot cap, exchange
// allowlist.
func (g *Gate) EnforceBotStart(ctx context.Context, req StartRequest) Decision {
	if !g.cfg.Enforcement {
		return Decision{Allowed: true, Reason: DecisionEnforcementOff}
	}

	ent, err := g.Entitlements(ctx, req.UserID)
	if err != nil {
		g.log.Warn().Err(err).Str("userId", req.UserID).Msg("entitlement lookup failed")
		return Decision{Allowed: false, Reason: DecisionServerUnreachable}
	}

	if ent.MaxBotsTotal > 0 && req.TotalBots > ent.MaxBotsTotal {
		return Decision{Allowed: false, Reason: DecisionMaxBotsTotal}
	}
	if !req.IsAlreadyRunning && ent.MaxRunningBots > 0 && req.RunningBots+1 > ent.MaxRunningBots {
		return Decision{Allowed: false, Reason: DecisionMaxRunningBots}
	}
	if !exchangeAllowed(ent.AllowedExchanges, req.Exchange) {
		return Decision{Allowed: false, Reason: DecisionExchangeNotAllowed}
	}
	return Decision{Allowed: true, Reason: DecisionOK}
}

// StrategyKindAllowed resolves the strategy-kind allowlist.
func (g *Gate) StrategyKindAllowed(ctx context.Context, userID, kind string) bool {
	if !g.cfg.Enforcement {
		return true
	}
	ent, err := g.Entitlements(ctx, userID)
	if err != nil {
		return false
	}
	return matchAllowlist(ent.AllowedStrategyKinds, kind)
}

// AiModelAllowed resolves the AI-model allowlist.
func (g *Gate) AiModelAllowed(ctx context.Context, userID, model string) bool {
	if !g.cfg.Enforcement {
		return true
	}
	ent, err := g.Entitlements(ctx, userID)
	if err != nil {
		return false
	}
	return matchAllowlist(ent.AllowedAiModels, model)
}

// Entitlements returns the cached workspace entitlements, fetching and
// verifying from the license server on a miss.
func (g *Gate) Entitlements(ctx context.Context, userID string) (*Entitlements, error) {
	key := cache.LicenseKey(userID)
	if g.cache != nil {
		var cached Entitlements
		if err := g.cache.GetJSON(ctx, key, &cached); err == nil {
			return &cached, nil
		}
	}

	ent, err := g.fetch(ctx, userID)
	if err != nil {
		return nil, err
	}
	applyPlanDefaults(ent)
	if g.cache != nil {
		if cerr := g.cache.SetJSON(ctx, key, ent, g.cfg.CacheTTL); cerr != nil {
			g.log.Debug().Err(cerr).Msg("entitlement cache write failed")
		}
	}
	return ent, nil
}

// licenseClaims is the JWT payload the server signs.
type licenseClaims struct {
	Entitlements Entitlements `json:"entitlements"`
	jwt.RegisteredClaims
}

func (g *Gate) fetch(ctx context.Context, userID string) (*Entitlements, error) {
	if g.cfg.ServerURL == "" {
		return nil, errors.New("license server not configured")
	}
	var body struct {
		Token string `json:"token"`
	}
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("userId", userID).
		SetResult(&body).
		Get("/v1/entitlements")
	if err != nil {
		return nil, fmt.Errorf("license fetch: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("license server status %d", resp.StatusCode())
	}

	claims := &licenseClaims{}
	_, err = jwt.ParseWithClaims(body.Token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(g.cfg.SigningKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("license token verify: %w", err)
	}
	ent := claims.Entitlements
	return &ent, nil
}

// applyPlanDefaults fills empty fields from the plan's defaults.
func applyPlanDefaults(ent *Entitlements) {
	def, ok := planDefaults[ent.Plan]
	if !ok {
		def = planDefaults["free"]
	}
	if ent.MaxBotsTotal == 0 && ent.Plan != "enterprise" {
		ent.MaxBotsTotal = def.MaxBotsTotal
	}
	if ent.MaxRunningBots == 0 && ent.Plan != "enterprise" {
		ent.MaxRunningBots = def.MaxRunningBots
	}
	if len(ent.AllowedExchanges) == 0 {
		ent.AllowedExchanges = def.AllowedExchanges
	}
	if len(ent.AllowedStrategyKinds) == 0 {
		ent.AllowedStrategyKinds = def.AllowedStrategyKinds
	}
	if len(ent.AllowedAiModels) == 0 {
		ent.AllowedAiModels = def.AllowedAiModels
	}
}

func exchangeAllowed(allowlist []string, exchange string) bool {
	return matchAllowlist(allowlist, exchange)
}

func matchAllowlist(list []string, v string) bool {
	for _, item := range list {
		if item == "*" || item == v {
			return true
		}
	}
	return false
}
