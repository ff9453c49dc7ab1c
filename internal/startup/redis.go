package startup

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chatsync/internal/logger"
	redisstorage "github.com/chatsync/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами.
func ConnectRedisWithRetry(ctx context.Context, redisURL string, maxWait time.Duration, logPrefix string) (*redisstorage.Client, error) {
	var client *redisstorage.Client
	op := func() error {
		connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(connCtx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Errorf("%sredis connect failed, retry in %v: %v", logPrefix, wait, err)
	}
	if err := backoff.RetryNotify(op, connectBackOff(ctx, maxWait), notify); err != nil {
		logger.Errorf("%sredis (gave up after %v): %v", logPrefix, maxWait, err)
		return nil, err
	}
	return client, nil
}
