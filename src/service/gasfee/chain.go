package gasfee

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// ChainEstimator asks each estimator in order and returns the first usable
// estimate.
type ChainEstimator struct {
	estimators []Estimator
}

func NewChainEstimator(estimators ...Estimator) *ChainEstimator {
	return &ChainEstimator{estimators: estimators}
}

func (c *ChainEstimator) Estimate(ctx context.Context, chainID int64) (*Estimate, error) {
	var errs []error
	for i, estimator := range c.estimators {
		estimate, err := estimator.Estimate(ctx, chainID)
		if err == nil && !estimate.Empty() {
			return estimate, nil
		}
		if err == nil {
			err = ErrNoEstimate
		}
		zerolog.Ctx(ctx).Debug().Err(err).
			Int("estimator", i).
			Int64("chain_id", chainID).
			Msg("gas fee estimator failed, trying next")
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrNoEstimate
	}
	return nil, errors.Join(errs...)
}
