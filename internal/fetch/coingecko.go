package fetch

import (
	"context"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

// CoinGeckoOptions configures the paged markets crawl.
type CoinGeckoOptions struct {
	URL        string
	VsCurrency string
	PerPage    int
	Pages      int
	// RPS paces page requests; <= 0 disables pacing
	RPS float64
}

// CoinGeckoClient reads market data used to estimate token volatility.
type CoinGeckoClient struct {
	http    *HTTPClient
	opts    CoinGeckoOptions
	limiter *rate.Limiter
}

// NewCoinGeckoClient creates a new CoinGecko markets client
func NewCoinGeckoClient(h *HTTPClient, opts CoinGeckoOptions) *CoinGeckoClient {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}
	if opts.Pages <= 0 {
		opts.Pages = 1
	}
	if opts.PerPage <= 0 {
		opts.PerPage = 250
	}
	return &CoinGeckoClient{http: h, opts: opts, limiter: limiter}
}

// Markets returns market rows page by page, stopping at the first failed page.
// A partial result is still useful, so page failures are logged rather than returned.
func (c *CoinGeckoClient) Markets(ctx context.Context) ([]model.Record, error) {
	var markets []model.Record
	for page := 1; page <= c.opts.Pages; page++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return markets, err
		}

		var payload []any
		if err := c.http.GetJSON(ctx, c.pageURL(page), &payload); err != nil {
			logrus.WithFields(logrus.Fields{"page": page, "error": err}).Warn("CoinGecko request failed")
			break
		}
		markets = append(markets, model.Records(payload)...)
	}
	return markets, nil
}

func (c *CoinGeckoClient) pageURL(page int) string {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return c.opts.URL
	}
	q := u.Query()
	q.Set("vs_currency", c.opts.VsCurrency)
	q.Set("order", "market_cap_desc")
	q.Set("per_page", strconv.Itoa(c.opts.PerPage))
	q.Set("page", strconv.Itoa(page))
	q.Set("sparkline", "false")
	q.Set("price_change_percentage", "24h,7d")
	u.RawQuery = q.Encode()
	return u.String()
}
