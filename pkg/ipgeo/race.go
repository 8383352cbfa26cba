package ipgeo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geotrack/geotrack/pkg"
	"github.com/geotrack/geotrack/pkg/geo"
)

// Winner is the first valid race answer
type Winner struct {
	Provider string
	Result
}

type outcome struct {
	provider string
	res      Result
	err      error
}

// Race queries every provider concurrently, each bounded by timeout, and
// returns the first answer carrying a valid coordinate. The shared context
// is cancelled as soon as a winner is known; losers still in flight see the
// cancellation and their results are discarded.
func Race(ctx context.Context, providers []Provider, timeout time.Duration) (Winner, error) {
	if len(providers) == 0 {
		return Winner{}, fmt.Errorf("no ip providers: %w", pkg.ErrNetwork)
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome, len(providers))
	for _, p := range providers {
		go func(p Provider) {
			pctx, pcancel := context.WithTimeout(raceCtx, timeout)
			defer pcancel()
			res, err := p.Lookup(pctx)
			results <- outcome{provider: p.Name(), res: res, err: err}
		}(p)
	}

	var errs []error
	for range providers {
		select {
		case o := <-results:
			if o.err != nil {
				errs = append(errs, o.err)
				continue
			}
			if !geo.IsValidCoordinate(o.res.Lat, o.res.Lng) {
				errs = append(errs, fmt.Errorf("%s: (%v, %v): %w", o.provider, o.res.Lat, o.res.Lng, pkg.ErrInvalidCoordinate))
				continue
			}
			return Winner{Provider: o.provider, Result: o.res}, nil
		case <-ctx.Done():
			return Winner{}, ctx.Err()
		}
	}

	return Winner{}, fmt.Errorf("all ip providers failed: %w", errors.Join(errs...))
}
