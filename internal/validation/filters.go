// Package validation provides sanity checks for normalized strategies.
package validation

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

// Options holds configuration for strategy validation
type Options struct {
	// MaxAPY rejects APY values above it (percent); 0 disables the cap
	MaxAPY float64

	// AllowNegativeAPY keeps strategies that report negative yield
	AllowNegativeAPY bool
}

// DefaultOptions returns the bounds used by the pipeline. Upstream APY is kept
// as reported, however large, so no cap is set.
func DefaultOptions() Options {
	return Options{
		AllowNegativeAPY: true,
	}
}

var (
	ErrMissingID     = errors.New("missing id")
	ErrMissingSource = errors.New("missing source")
)

// Strategy checks the invariants every stored strategy must satisfy.
func Strategy(s model.Strategy, opts Options) error {
	if strings.TrimSpace(s.ID) == "" {
		return ErrMissingID
	}
	if s.Source == "" || !strings.HasPrefix(s.ID, s.Source+":") {
		return fmt.Errorf("%w: id %q does not carry source %q", ErrMissingSource, s.ID, s.Source)
	}
	if !finite(s.APY) || !finite(s.TVLUSD) {
		return fmt.Errorf("non-finite apy/tvl: %v/%v", s.APY, s.TVLUSD)
	}
	if s.TVLUSD < 0 {
		return fmt.Errorf("negative tvl: %f", s.TVLUSD)
	}
	if !opts.AllowNegativeAPY && s.APY < 0 {
		return fmt.Errorf("negative apy: %f", s.APY)
	}
	if opts.MaxAPY > 0 && s.APY > opts.MaxAPY {
		return fmt.Errorf("implausible apy: %f", s.APY)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
