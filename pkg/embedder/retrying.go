package embedder

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jodaltro/tamagotchi/pkg/logger"
	"github.com/jodaltro/tamagotchi/pkg/memory"
)

// Retrying bounds each embedding call with a timeout and retries transient
// failures with exponential backoff.
type Retrying struct {
	inner    memory.Embedder
	timeout  time.Duration
	maxTries uint
}

var _ memory.Embedder = (*Retrying)(nil)

func NewRetrying(inner memory.Embedder, timeout time.Duration, maxTries uint) *Retrying {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if maxTries == 0 {
		maxTries = 3
	}
	return &Retrying{inner: inner, timeout: timeout, maxTries: maxTries}
}

func (r *Retrying) ModelID() string { return r.inner.ModelID() }

func (r *Retrying) Embed(ctx context.Context, text string) (memory.Vector, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = time.Second

	attempts := 0
	vec, err := backoff.Retry[memory.Vector](ctx, func() (memory.Vector, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.inner.Embed(callCtx, text)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(r.maxTries),
	)
	if err != nil {
		logger.WarnCF("embedder", "Embedding failed", map[string]interface{}{
			"model":    r.inner.ModelID(),
			"attempts": attempts,
			"error":    err.Error(),
		})
		return memory.NoVector(), err
	}
	return vec, nil
}
