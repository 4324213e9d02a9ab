// Package recommend turns pool-index data into ranked strategy recommendations
// for a token and serves them through the strategy cache with
// stale-while-revalidate semantics.
package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/strategy-aggregator/internal/cache"
	"github.com/yourorg/strategy-aggregator/internal/metrics"
	"github.com/yourorg/strategy-aggregator/internal/model"
	"github.com/yourorg/strategy-aggregator/internal/otel"
	"github.com/yourorg/strategy-aggregator/internal/poolindex"
	"github.com/yourorg/strategy-aggregator/internal/scoring"
)

const (
	// OpportunityLimit caps the decorated pools considered per request.
	OpportunityLimit = 50
	alternativeCount = 3

	defaultMaxLockupDays = 365
)

// ErrEmptyToken is returned for a request without a token.
var ErrEmptyToken = errors.New("token must not be empty")

// PoolSource returns the indexed pools for a single token symbol.
type PoolSource interface {
	GetPools(ctx context.Context, token string) ([]model.Pool, error)
}

// URLResolver returns a project's website, or "".
type URLResolver interface {
	ProjectURL(ctx context.Context, project string) string
}

// Preferences narrow and rank the candidate pools.
type Preferences struct {
	MinAPY           float64  `json:"min_apy,omitempty"`
	RiskLevel        string   `json:"risk_level,omitempty"`
	MaxLockupDays    *int     `json:"max_lockup_days,omitempty"`
	MinTVL           float64  `json:"min_tvl,omitempty"`
	PreferredChains  []string `json:"preferred_chains,omitempty"`
	IncludeWrappers  *bool    `json:"include_wrappers,omitempty"`
	ExcludeProtocols []string `json:"exclude_protocols,omitempty"`
}

func (p Preferences) includeWrappers() bool {
	return p.IncludeWrappers == nil || *p.IncludeWrappers
}

func (p Preferences) maxLockupDays() int {
	if p.MaxLockupDays == nil {
		return defaultMaxLockupDays
	}
	return *p.MaxLockupDays
}

// Request is one strategy request. It is also the payload re-executed by the refresh queue.
type Request struct {
	Token        string       `json:"token"`
	Preferences  *Preferences `json:"preferences,omitempty"`
	ForceRefresh bool         `json:"force_refresh,omitempty"`
}

func (r Request) prefs() Preferences {
	if r.Preferences == nil {
		return Preferences{}
	}
	return *r.Preferences
}

// Opportunity is a pool decorated with risk, lockup and link fields.
type Opportunity struct {
	Platform        string   `json:"platform"`
	Chain           string   `json:"chain"`
	Symbol          string   `json:"symbol"`
	Tokens          []string `json:"tokens"`
	Category        string   `json:"category"`
	ContainsWrapper bool     `json:"contains_wrapper"`

	APY        float64  `json:"apy"`
	APYBase    *float64 `json:"apy_base"`
	APYReward  *float64 `json:"apy_reward"`
	APY7D      *float64 `json:"apy_7d"`
	APY30D     *float64 `json:"apy_30d"`
	Stablecoin bool     `json:"stablecoin"`
	TVLUSD     float64  `json:"tvl_usd"`
	Exposure   string   `json:"exposure,omitempty"`
	ILRisk     string   `json:"il_risk,omitempty"`

	PoolID      string `json:"pool_id"`
	PoolURL     string `json:"pool_url,omitempty"`
	ProtocolURL string `json:"protocol_url,omitempty"`
	ActionURL   string `json:"action_url,omitempty"`
	PoolMeta    string `json:"pool_meta,omitempty"`

	LockupDays int     `json:"lockup_days"`
	LockupNote *string `json:"lockup_note"`

	RiskLevel       string   `json:"risk_level"`
	RiskDescription string   `json:"risk_description"`
	RiskScore       float64  `json:"risk_score"`
	RiskReasons     []string `json:"risk_reasons"`

	PredictedClass       string   `json:"predicted_class,omitempty"`
	PredictedProbability *float64 `json:"predicted_probability"`

	Score     *float64 `json:"score,omitempty"`
	UpdatedAt string   `json:"updated_at"`
}

// Analysis is the ranked outcome for one set of preferences.
type Analysis struct {
	Best         Opportunity   `json:"best"`
	Alternatives []Opportunity `json:"alternatives"`
	MatchedCount int           `json:"matched_count"`
	Ranked       []Opportunity `json:"ranked"`
}

// Recommendation is the cached response of a strategy request.
type Recommendation struct {
	Status      string    `json:"status"`
	Token       string    `json:"token"`
	Message     string    `json:"message,omitempty"`
	Analysis    *Analysis `json:"analysis,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	GeneratedAt string    `json:"generated_at"`
}

// CacheInfo describes where a served recommendation came from.
type CacheInfo struct {
	Status         cache.Status `json:"status"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ExpiresAt      time.Time    `json:"expires_at"`
	RefreshQueued  bool         `json:"refresh_queued"`
	ComputedInline bool         `json:"computed_inline"`
}

// Response is a recommendation plus its cache status.
type Response struct {
	Recommendation Recommendation `json:"recommendation"`
	Cache          CacheInfo      `json:"cache"`
}

// Recommender computes and serves recommendations.
type Recommender struct {
	pools   PoolSource
	urls    URLResolver
	cache   *cache.StrategyCache
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Recommender. urls and m may be nil.
func New(pools PoolSource, urls URLResolver, c *cache.StrategyCache, m *metrics.Metrics) *Recommender {
	return &Recommender{pools: pools, urls: urls, cache: c, metrics: m, now: time.Now}
}

// Key is the cache key of req.
func (r *Recommender) Key(req Request) string {
	p := req.prefs()
	return r.cache.StrategyKey(req.Token, p.RiskLevel, p.includeWrappers())
}

// Opportunities returns the decorated pools matching token ordered by risk
// level, then TVL and APY descending.
func (r *Recommender) Opportunities(ctx context.Context, token string, limit int) ([]Opportunity, error) {
	parts := QueryTokens(token)
	if len(parts) == 0 {
		return nil, ErrEmptyToken
	}

	seen := make(map[string]bool)
	var (
		pools   []model.Pool
		lastErr error
	)
	for _, part := range parts {
		found, err := r.pools.GetPools(ctx, part)
		if err != nil {
			lastErr = err
		}
		for _, p := range found {
			if seen[p.Pool] {
				continue
			}
			seen[p.Pool] = true
			pools = append(pools, p)
		}
	}
	if len(pools) == 0 && lastErr != nil {
		return nil, fmt.Errorf("load pools for %s: %w", token, lastErr)
	}
	if lastErr != nil {
		logrus.WithField("token", token).Warnf("Serving pools from last-good index: %v", lastErr)
	}

	out := make([]Opportunity, 0, len(pools))
	for _, p := range pools {
		if MatchesToken(p, token) {
			out = append(out, r.decorate(ctx, p))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := RiskValue(out[i].RiskLevel), RiskValue(out[j].RiskLevel)
		if ri != rj {
			return ri < rj
		}
		if out[i].TVLUSD != out[j].TVLUSD {
			return out[i].TVLUSD > out[j].TVLUSD
		}
		return out[i].APY > out[j].APY
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Recommender) decorate(ctx context.Context, p model.Pool) Opportunity {
	p = poolindex.Decorate(p)
	lockupDays, lockupNote := ParseLockup(p.PoolMeta)
	level, score, reasons := EvaluateRisk(p)

	o := Opportunity{
		Platform:             p.Project,
		Chain:                p.Chain,
		Symbol:               p.Symbol,
		Tokens:               p.Tokens,
		Category:             p.Category,
		ContainsWrapper:      p.ContainsWrapper,
		APY:                  p.APY,
		APYBase:              p.APYBase,
		APYReward:            p.APYReward,
		APY7D:                p.APYPct7D,
		APY30D:               p.APYPct30D,
		Stablecoin:           p.Stablecoin,
		TVLUSD:               p.TVLUSD,
		Exposure:             p.Exposure,
		ILRisk:               p.ILRisk,
		PoolID:               p.Pool,
		PoolURL:              PoolURL(p.Pool),
		PoolMeta:             p.PoolMeta,
		LockupDays:           lockupDays,
		LockupNote:           lockupNote,
		RiskLevel:            level,
		RiskDescription:      RiskDescription(level),
		RiskScore:            score,
		RiskReasons:          reasons,
		PredictedClass:       p.PredictedClass,
		PredictedProbability: p.PredictedProbability,
		UpdatedAt:            model.NowRFC3339(r.now()),
	}
	if r.urls != nil {
		o.ProtocolURL = r.urls.ProjectURL(ctx, p.Project)
	}
	o.ActionURL = o.ProtocolURL
	if o.ActionURL == "" {
		o.ActionURL = o.PoolURL
	}
	return o
}

// Analyze filters opportunities by prefs and ranks the survivors. It returns
// nil when nothing passes the filters.
func Analyze(opps []Opportunity, prefs Preferences) *Analysis {
	maxRisk := RiskValue(prefs.RiskLevel)
	maxLockup := prefs.maxLockupDays()
	chains := lowerSet(prefs.PreferredChains)
	excluded := lowerSet(prefs.ExcludeProtocols)

	accept := func(o Opportunity) bool {
		switch {
		case o.APY < prefs.MinAPY,
			o.LockupDays > maxLockup,
			o.TVLUSD < prefs.MinTVL,
			RiskValue(o.RiskLevel) > maxRisk:
			return false
		case len(chains) > 0 && !chains[strings.ToLower(o.Chain)]:
			return false
		case o.Platform != "" && excluded[strings.ToLower(o.Platform)]:
			return false
		case !prefs.includeWrappers() && o.ContainsWrapper:
			return false
		}
		return true
	}

	var ranked []Opportunity
	for _, o := range opps {
		if accept(o) {
			ranked = append(ranked, o)
		}
	}
	if len(ranked) == 0 {
		return nil
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return Score(ranked[i]) > Score(ranked[j])
	})
	for i := range ranked {
		s := scoring.Round(Score(ranked[i]), 2)
		ranked[i].Score = &s
	}

	alternatives := make([]Opportunity, 0, alternativeCount)
	if len(ranked) > 1 {
		alternatives = append(alternatives, ranked[1:min(len(ranked), 1+alternativeCount)]...)
	}
	return &Analysis{
		Best:         ranked[0],
		Alternatives: alternatives,
		MatchedCount: len(ranked),
		Ranked:       ranked,
	}
}

// Score ranks an opportunity: APY minus a risk penalty plus small TVL and
// 30-day trend bonuses.
func Score(o Opportunity) float64 {
	riskPenalty := float64(RiskValue(o.RiskLevel)-1) * 0.35
	tvlBonus := min(o.TVLUSD/100_000_000, 1.5) * 0.3
	trendBonus := 0.0
	if o.APY30D != nil {
		trendBonus = max(min(*o.APY30D, 5), -5) * 0.02
	}
	return o.APY - riskPenalty + tvlBonus + trendBonus
}

// Compute builds a fresh recommendation for req without touching the cache.
func (r *Recommender) Compute(ctx context.Context, req Request) (Recommendation, error) {
	ctx, span := otel.Start(ctx, "recommend.compute")
	defer span.End()

	token := strings.ToUpper(strings.TrimSpace(req.Token))
	if token == "" {
		return Recommendation{}, ErrEmptyToken
	}

	opps, err := r.Opportunities(ctx, token, OpportunityLimit)
	if err != nil {
		otel.RecordError(ctx, err)
		return Recommendation{}, err
	}

	rec := Recommendation{Token: token, GeneratedAt: model.NowRFC3339(r.now())}
	if analysis := Analyze(opps, req.prefs()); analysis != nil {
		rec.Status = "ok"
		rec.Analysis = analysis
	} else {
		rec.Status = "empty"
		rec.Message = "No pool matches the requested token and preferences"
		if len(opps) == 0 {
			rec.Warnings = []string{"no-pools-for-token"}
		} else {
			rec.Warnings = []string{"filters-excluded-all"}
		}
	}
	return rec, nil
}

// Refresh recomputes req and writes the result to the cache.
func (r *Recommender) Refresh(ctx context.Context, req Request) (Recommendation, model.CacheEntry, error) {
	rec, err := r.Compute(ctx, req)
	if err != nil {
		return rec, model.CacheEntry{}, err
	}
	entry, err := r.cache.Set(ctx, r.Key(req), rec, 0)
	if err != nil {
		return rec, entry, err
	}
	return rec, entry, nil
}

// Serve answers req from the cache. A hard miss is computed inline; a stale
// hit is served and one background refresh is queued; force_refresh on a hit
// queues a refresh as well.
func (r *Recommender) Serve(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Token) == "" {
		return Response{}, ErrEmptyToken
	}
	key := r.Key(req)

	lookup, err := r.cache.Lookup(ctx, key)
	if err != nil {
		logrus.WithField("key", key).Warnf("Strategy cache read failed, recomputing: %v", err)
	}
	r.metrics.ObserveLookup(string(lookup.Status))

	if lookup.Entry != nil {
		var rec Recommendation
		if err := json.Unmarshal(lookup.Entry.Data, &rec); err == nil {
			resp := Response{
				Recommendation: rec,
				Cache: CacheInfo{
					Status:    lookup.Status,
					UpdatedAt: lookup.Entry.UpdatedAt,
					ExpiresAt: lookup.Entry.ExpiresAt,
				},
			}
			if lookup.Status == cache.StatusStale || req.ForceRefresh {
				resp.Cache.RefreshQueued = r.enqueue(ctx, key, req)
			}
			return resp, nil
		}
		logrus.WithField("key", key).Warn("Cached recommendation is malformed, recomputing")
	}

	rec, entry, err := r.Refresh(ctx, req)
	if err != nil && rec.Token == "" {
		return Response{}, err
	}
	if err != nil {
		logrus.WithField("key", key).Warnf("Failed to cache recommendation: %v", err)
	}
	return Response{
		Recommendation: rec,
		Cache: CacheInfo{
			Status:         cache.StatusMiss,
			UpdatedAt:      entry.UpdatedAt,
			ExpiresAt:      entry.ExpiresAt,
			ComputedInline: true,
		},
	}, nil
}

func (r *Recommender) enqueue(ctx context.Context, key string, req Request) bool {
	req.ForceRefresh = true
	payload, err := json.Marshal(req)
	if err != nil {
		return false
	}
	queued, err := r.cache.EnqueueOnce(ctx, model.RefreshRequest{Key: key, Request: payload})
	if err != nil {
		logrus.WithField("key", key).Warnf("Failed to enqueue refresh: %v", err)
		return false
	}
	if queued {
		r.metrics.ObserveEnqueue()
	}
	return queued
}

// HandleRefresh re-executes a queued request payload with force_refresh set.
func (r *Recommender) HandleRefresh(ctx context.Context, payload json.RawMessage) error {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decode strategy request: %w", err)
	}
	req.ForceRefresh = true
	_, _, err := r.Refresh(ctx, req)
	return err
}

func lowerSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[strings.ToLower(v)] = true
	}
	return out
}
