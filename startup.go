package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/onnwee/chatgate/chat"
	"github.com/onnwee/chatgate/twitchapi"
)

// startupBackOff retries the first Initialize while the platform is
// unreachable, giving up after maxElapsed.
func startupBackOff(maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = maxElapsed
	return b
}

// permanentStartupError reports failures that retrying cannot fix.
func permanentStartupError(err error) bool {
	return errors.Is(err, twitchapi.ErrUnauthorized) ||
		errors.Is(err, chat.ErrChannelRequired) ||
		errors.Is(err, chat.ErrBotTokenRequired)
}

// initializeWithRetry calls init until it succeeds, fails permanently, b
// stops or ctx ends.
func initializeWithRetry(ctx context.Context, init func(context.Context) error, b backoff.BackOff) error {
	op := func() error {
		err := init(ctx)
		if err != nil && permanentStartupError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		slog.Warn("chat initialize failed, retrying", slog.Any("err", err), slog.Duration("next", next))
	})
}
