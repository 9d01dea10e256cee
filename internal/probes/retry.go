package probes

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/edgescope/edgescope/internal/config"
	"github.com/edgescope/edgescope/internal/logger"
	"github.com/edgescope/edgescope/pkg/types"
)

// RetryTransient runs op, retrying with exponential backoff when the
// returned error is a transient ProbeError. Permanent errors (including
// INVALID_TARGET) abort immediately. The job deadline carried by ctx
// bounds the whole loop.
func RetryTransient(ctx context.Context, cfg config.ProbesConfig, log *logger.Logger, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.MaxInterval = cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(cfg.MaxRetries)),
		ctx,
	)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}

		var pe *types.ProbeError
		if errors.As(err, &pe) && !pe.Transient() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		log.WithContext(ctx).Warnw("Transient probe error, backing off",
			"attempt", attempt,
			"next_retry_in", next.String(),
			"error", err.Error(),
		)
	})
}
