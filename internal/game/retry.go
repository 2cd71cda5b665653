package game

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	TX_MAX_ATTEMPTS    = 5
	TX_RETRY_INITIAL   = 10 * time.Millisecond
	TX_RETRY_MAX_DELAY = 250 * time.Millisecond
)

// inTx runs fn as one atomic unit and replays the whole unit when the store
// reports a transient conflict. Business errors are returned as they are.
func inTx(ctx context.Context, store Store, op string, fn func(ctx context.Context, tx Tx) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = TX_RETRY_INITIAL
	policy.MaxInterval = TX_RETRY_MAX_DELAY

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := store.InTx(ctx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		log.Printf("[STORE] %s attempt %d hit a transient failure: %v", op, attempt, err)
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(TX_MAX_ATTEMPTS))
	return err
}
