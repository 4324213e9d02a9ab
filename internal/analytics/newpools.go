// Package analytics discovers recently listed pools and ranks them by TVL and APY momentum.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/strategy-aggregator/internal/metrics"
	"github.com/yourorg/strategy-aggregator/internal/model"
	"github.com/yourorg/strategy-aggregator/internal/tokens"
)

const (
	ChartTTL       = 30 * time.Minute
	ProjectURLTTL  = time.Hour
	TokenSearchTTL = 5 * time.Minute

	chartWorkers        = 8
	candidateMultiplier = 4
	maxLimit            = 200
	defaultLimit        = 50
	cacheSize           = 4096

	momentumTVLWeight = 0.6
	momentumAPYWeight = 0.4
)

// Sort keys
const (
	SortMomentum  = "momentum"
	SortTVLChange = "tvl_change"
	SortAPYChange = "apy_change"
)

// Periods maps the supported period names to days.
var Periods = map[string]int{"24h": 1, "7d": 7, "30d": 30}

var (
	ErrUnsupportedPeriod = errors.New("unsupported period")
	ErrNoSymbols         = errors.New("at least one symbol must be provided")
	ErrUnsupportedSort   = errors.New("unsupported sort")
	ErrSymbolsNotTracked = errors.New("symbols must be from the top-100 market tokens")
)

// Upstream is the subset of the DeFiLlama client used here.
type Upstream interface {
	SearchPools(ctx context.Context, token string) ([]model.Record, error)
	Chart(ctx context.Context, poolID string) ([]model.Record, error)
	Protocol(ctx context.Context, slug string) (model.Record, error)
}

// TokenCatalog limits which symbols are searched upstream.
type TokenCatalog interface {
	Symbols(ctx context.Context, force bool) (map[string]bool, error)
}

// Query selects and orders new pools.
type Query struct {
	Period       string
	MinTVL       float64
	Symbols      []string
	Chains       []string
	Sort         string
	Limit        int
	ForceRefresh bool
}

// Filters echoes the symbol and chain filters of a query.
type Filters struct {
	Symbols []string `json:"symbols"`
	Chains  []string `json:"chains"`
}

// NewPool is one ranked pool.
type NewPool struct {
	PoolID       string   `json:"pool_id"`
	Pair         string   `json:"pair"`
	Protocol     string   `json:"protocol"`
	Chain        string   `json:"chain"`
	TVLUSD       float64  `json:"tvl_usd"`
	APY          float64  `json:"apy"`
	TVLChangePct *float64 `json:"tvl_change_pct"`
	APYChangePct *float64 `json:"apy_change_pct"`
	Momentum     float64  `json:"momentum"`
	Category     string   `json:"category"`
	FirstSeen    *string  `json:"first_seen"`
	ActionURL    *string  `json:"action_url"`
}

// Result is the response of GetNewPools.
type Result struct {
	Period  string    `json:"period"`
	Days    int       `json:"days"`
	MinTVL  float64   `json:"min_tvl"`
	Filters Filters   `json:"filters"`
	Count   int       `json:"count"`
	Pools   []NewPool `json:"pools"`
}

// Service computes new-pool momentum with TTL caches in front of every upstream call.
type Service struct {
	upstream Upstream
	catalog  TokenCatalog
	metrics  *metrics.Metrics
	now      func() time.Time

	charts   *expirable.LRU[string, []model.ChartPoint]
	projects *expirable.LRU[string, string]
	searches *expirable.LRU[string, []model.Record]
}

// New creates a Service. With a nil catalog every requested symbol is searched.
// m may be nil.
func New(upstream Upstream, catalog TokenCatalog, m *metrics.Metrics) *Service {
	return &Service{
		upstream: upstream,
		catalog:  catalog,
		metrics:  m,
		now:      time.Now,
		charts:   expirable.NewLRU[string, []model.ChartPoint](cacheSize, nil, ChartTTL),
		projects: expirable.NewLRU[string, string](cacheSize, nil, ProjectURLTTL),
		searches: expirable.NewLRU[string, []model.Record](cacheSize, nil, TokenSearchTTL),
	}
}

// Invalidate drops every cached upstream response.
func (s *Service) Invalidate() {
	s.charts.Purge()
	s.projects.Purge()
	s.searches.Purge()
}

// Chart returns the cached chart of a pool, fetching it when missing or forced.
func (s *Service) Chart(ctx context.Context, poolID string, force bool) ([]model.ChartPoint, error) {
	if !force {
		if chart, ok := s.charts.Get(poolID); ok {
			return chart, nil
		}
	}

	start := time.Now()
	records, err := s.upstream.Chart(ctx, poolID)
	s.metrics.ObserveChartFetch(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	chart := make([]model.ChartPoint, 0, len(records))
	for _, r := range records {
		chart = append(chart, model.ChartPointFromRecord(r))
	}
	s.charts.Add(poolID, chart)
	return chart, nil
}

// TokenPools returns the upstream pools matching symbol. A failed search is
// cached as an empty result for the search TTL.
func (s *Service) TokenPools(ctx context.Context, symbol string, force bool) []model.Record {
	token := strings.ToUpper(symbol)
	if !force {
		if pools, ok := s.searches.Get(token); ok {
			return pools
		}
	}

	pools, err := s.upstream.SearchPools(ctx, token)
	if err != nil {
		logrus.WithField("token", token).Warnf("Pool search failed: %v", err)
		pools = []model.Record{}
	}
	s.searches.Add(token, pools)
	return pools
}

// ProjectURL returns the website of a project, or "" when unknown. Failures are cached too.
func (s *Service) ProjectURL(ctx context.Context, project string) string {
	if project == "" {
		return ""
	}
	key := strings.ToLower(project)
	if url, ok := s.projects.Get(key); ok {
		return url
	}

	url := ""
	if detail, err := s.upstream.Protocol(ctx, key); err == nil {
		url = detail.String("url")
	} else {
		logrus.WithField("project", key).Debugf("Project lookup failed: %v", err)
	}
	s.projects.Add(key, url)
	return url
}

// GetNewPools returns pools first listed within the period, ranked by q.Sort.
func (s *Service) GetNewPools(ctx context.Context, q Query) (Result, error) {
	res, err := s.getNewPools(ctx, q)
	s.metrics.ObserveNewPools(err)
	return res, err
}

func (s *Service) getNewPools(ctx context.Context, q Query) (Result, error) {
	period := strings.ToLower(strings.TrimSpace(q.Period))
	if period == "" {
		period = "7d"
	}
	days, ok := Periods[period]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedPeriod, q.Period)
	}
	requested := upperUnique(q.Symbols)
	if len(requested) == 0 {
		return Result{}, ErrNoSymbols
	}
	sortKey := strings.ToLower(strings.TrimSpace(q.Sort))
	switch sortKey {
	case "":
		sortKey = SortMomentum
	case SortMomentum, SortTVLChange, SortAPYChange:
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedSort, q.Sort)
	}

	limit := q.Limit
	if limit == 0 {
		limit = defaultLimit
	}
	limit = max(1, min(limit, maxLimit))

	res := Result{
		Period:  period,
		Days:    days,
		MinTVL:  q.MinTVL,
		Filters: Filters{Symbols: nonNil(q.Symbols), Chains: nonNil(q.Chains)},
		Pools:   []NewPool{},
	}

	searched := requested
	if s.catalog != nil {
		allowed, err := s.catalog.Symbols(ctx, false)
		if err != nil {
			return Result{}, err
		}
		searched = make([]string, 0, len(requested))
		for _, sym := range requested {
			if allowed[sym] {
				searched = append(searched, sym)
			}
		}
		if len(searched) == 0 {
			return Result{}, fmt.Errorf("%w: %s", ErrSymbolsNotTracked, strings.Join(requested, ","))
		}
	}

	candidates := s.candidates(ctx, q, days, requested, searched)
	if len(candidates) == 0 {
		return res, nil
	}
	if len(candidates) > limit*candidateMultiplier {
		candidates = candidates[:limit*candidateMultiplier]
	}

	charts := s.fetchCharts(ctx, candidates, q.ForceRefresh)

	enriched := make([]NewPool, 0, len(candidates))
	for i, p := range candidates {
		if charts[i] == nil {
			continue
		}
		if item, ok := s.enrich(ctx, p, charts[i], days); ok {
			enriched = append(enriched, item)
		}
	}

	sortPools(enriched, sortKey)
	res.Count = len(enriched)
	if len(enriched) > limit {
		enriched = enriched[:limit]
	}
	res.Pools = enriched
	return res, nil
}

// candidates searches pools for each symbol in searched and keeps those holding
// any requested token, deduplicated by (project, normalized pair) keeping the higher TVL.
func (s *Service) candidates(ctx context.Context, q Query, days int, requested, searched []string) []model.Pool {
	chains := make(map[string]bool, len(q.Chains))
	for _, c := range q.Chains {
		chains[strings.ToLower(c)] = true
	}

	type key struct{ project, pair string }
	index := make(map[key]int)
	out := make([]model.Pool, 0)

	for _, sym := range searched {
		for _, r := range s.TokenPools(ctx, sym, q.ForceRefresh) {
			p := model.PoolFromRecord(r)
			if p.TVLUSD < q.MinTVL {
				continue
			}
			if p.Count == nil || *p.Count > float64(days+1) {
				continue
			}
			p.Tokens = tokens.Parse(p.Symbol)
			if !containsAny(p.Tokens, requested) {
				continue
			}
			if len(chains) > 0 && !chains[strings.ToLower(p.Chain)] {
				continue
			}

			p.Pair = tokens.NormalizePair(p.Symbol)
			k := key{p.Project, p.Pair}
			if i, ok := index[k]; ok {
				if p.TVLUSD > out[i].TVLUSD {
					out[i] = p
				}
				continue
			}
			index[k] = len(out)
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) fetchCharts(ctx context.Context, pools []model.Pool, force bool) [][]model.ChartPoint {
	charts := make([][]model.ChartPoint, len(pools))

	var g errgroup.Group
	g.SetLimit(chartWorkers)
	for i, p := range pools {
		if p.Pool == "" {
			continue
		}
		i, p := i, p
		g.Go(func() error {
			chart, err := s.Chart(ctx, p.Pool, force)
			if err != nil {
				logrus.WithField("pool", p.Pool).Warnf("Chart fetch failed, skipping pool: %v", err)
				return nil
			}
			charts[i] = chart
			return nil
		})
	}
	_ = g.Wait()
	return charts
}

func (s *Service) enrich(ctx context.Context, p model.Pool, chart []model.ChartPoint, days int) (NewPool, bool) {
	if p.Pool == "" || len(chart) == 0 {
		return NewPool{}, false
	}

	current := chart[len(chart)-1]
	past := Baseline(chart, s.now().UTC().Add(-time.Duration(days)*24*time.Hour))

	tvlChange := Change(current.TVLUSD, past.TVLUSD)
	apyChange := Change(current.APY, past.APY)

	item := NewPool{
		PoolID:       p.Pool,
		Pair:         tokens.NormalizePair(p.Symbol),
		Protocol:     p.Project,
		Chain:        p.Chain,
		TVLUSD:       p.TVLUSD,
		APY:          p.APY,
		TVLChangePct: tvlChange,
		APYChangePct: apyChange,
		Momentum:     Momentum(tvlChange, apyChange),
		Category:     tokens.Classify(tokens.Parse(p.Symbol)),
	}
	if t, ok := parseTimestamp(chart[0].Timestamp); ok {
		first := t.UTC().Format(time.RFC3339)
		item.FirstSeen = &first
	}
	if url := s.ProjectURL(ctx, p.Project); url != "" {
		item.ActionURL = &url
	}
	return item, true
}

// Baseline returns the newest chart point not newer than target, or the first
// point when every point is newer. Scanning stops at the first newer point.
func Baseline(chart []model.ChartPoint, target time.Time) model.ChartPoint {
	var candidate *model.ChartPoint
	for i := range chart {
		ts, ok := parseTimestamp(chart[i].Timestamp)
		if !ok {
			continue
		}
		if ts.After(target) {
			break
		}
		candidate = &chart[i]
	}
	if candidate == nil {
		return chart[0]
	}
	return *candidate
}

// Change is the relative change in percent; nil when either side is missing or past is 0.
func Change(current, past *float64) *float64 {
	if current == nil || past == nil || *past == 0 {
		return nil
	}
	v := (*current - *past) / *past * 100
	return &v
}

// Momentum blends TVL and APY change; a missing change counts as 0.
func Momentum(tvlChange, apyChange *float64) float64 {
	var tvl, apy float64
	if tvlChange != nil {
		tvl = *tvlChange
	}
	if apyChange != nil {
		apy = *apyChange
	}
	return momentumTVLWeight*tvl + momentumAPYWeight*apy
}

func sortPools(pools []NewPool, key string) {
	value := func(p NewPool) *float64 {
		switch key {
		case SortTVLChange:
			return p.TVLChangePct
		case SortAPYChange:
			return p.APYChangePct
		default:
			m := p.Momentum
			return &m
		}
	}
	sort.SliceStable(pools, func(i, j int) bool {
		a, b := value(pools[i]), value(pools[j])
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return *a > *b
	})
}

func parseTimestamp(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func containsAny(toks, wanted []string) bool {
	set := make(map[string]bool, len(toks))
	for _, t := range toks {
		set[t] = true
	}
	for _, w := range wanted {
		if set[w] {
			return true
		}
	}
	return false
}

func upperUnique(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]bool)
	for _, sym := range symbols {
		up := strings.ToUpper(strings.TrimSpace(sym))
		if up != "" && !seen[up] {
			seen[up] = true
			out = append(out, up)
		}
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
