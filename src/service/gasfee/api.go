package gasfee

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const DefaultAPITimeout = 10 * time.Second

// APIEstimator reads fee-market tiers from a hosted gas fee API serving
// GET {base}/networks/{chainId}/suggestedGasFees.
type APIEstimator struct {
	httpClient *resty.Client
}

func NewAPIEstimator(baseURL string) *APIEstimator {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(DefaultAPITimeout).
		SetHeader("Accept", "application/json")

	return &APIEstimator{httpClient: client}
}

func (a *APIEstimator) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "gas-fee-api").Logger()
	return &l
}

func (a *APIEstimator) Estimate(ctx context.Context, chainID int64) (*Estimate, error) {
	var result FeeMarketEstimate

	resp, err := a.httpClient.R().
		SetContext(ctx).
		SetPathParam("chainId", fmt.Sprintf("%d", chainID)).
		SetResult(&result).
		Get("/networks/{chainId}/suggestedGasFees")
	if err != nil {
		return nil, fmt.Errorf("failed to request gas fee api: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("gas fee api returned status %d", resp.StatusCode())
	}
	if result.Medium.SuggestedMaxFeePerGas == "" {
		return nil, ErrNoEstimate
	}

	a.logger(ctx).Debug().
		Int64("chain_id", chainID).
		Str("medium_max_fee_gwei", result.Medium.SuggestedMaxFeePerGas).
		Str("medium_priority_fee_gwei", result.Medium.SuggestedMaxPriorityFeePerGas).
		Msg("fetched gas fee estimate")

	return &Estimate{FeeMarket: &result}, nil
}
