package syncengine

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raulk/clock"

	"github.com/chatsync/internal/presence"
	"github.com/chatsync/internal/unread"
)

const (
	defaultSendMaxAttempts      = 3
	defaultSendRetryBase        = 500 * time.Millisecond
	defaultSendRetryMax         = 5 * time.Second
	defaultSubscribeMaxAttempts = 5
	defaultSubscribeRetryBase   = 500 * time.Millisecond
	defaultFetchTimeout         = 15 * time.Second
)

// Options tune the engine. Zero values take the defaults.
type Options struct {
	Clock clock.Clock

	SendMaxAttempts int
	SendRetryBase   time.Duration
	SendRetryMax    time.Duration

	SubscribeMaxAttempts int
	SubscribeRetryBase   time.Duration

	TypingTTL    time.Duration
	FetchTimeout time.Duration

	// Notifier gets incoming messages for conversations not being viewed.
	Notifier unread.Notifier
	// OnChange runs on the event loop after state visible to a view changed.
	// It must not call back into the engine synchronously.
	OnChange func()
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.SendMaxAttempts <= 0 {
		o.SendMaxAttempts = defaultSendMaxAttempts
	}
	if o.SendRetryBase <= 0 {
		o.SendRetryBase = defaultSendRetryBase
	}
	if o.SendRetryMax <= 0 {
		o.SendRetryMax = defaultSendRetryMax
	}
	if o.SubscribeMaxAttempts <= 0 {
		o.SubscribeMaxAttempts = defaultSubscribeMaxAttempts
	}
	if o.SubscribeRetryBase <= 0 {
		o.SubscribeRetryBase = defaultSubscribeRetryBase
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = presence.DefaultTTL
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = defaultFetchTimeout
	}
	return o
}

func newBackOff(base, max time.Duration, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}
