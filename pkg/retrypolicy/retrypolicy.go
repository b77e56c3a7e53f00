// Package retrypolicy classifies remote failures as transient or terminal and
// applies per-remote exponential backoff to transient ones.
package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Remote identifies which external service an operation talks to.
type Remote string

const (
	RemoteLLM        Remote = "llm"
	RemoteForum      Remote = "forum"
	RemoteStorefront Remote = "storefront"
)

// maxJitter is added uniformly at random to every sleep so synchronized
// retries against the same remote spread out.
const maxJitter = time.Second

type settings struct {
	base     time.Duration
	mult     float64
	attempts uint64
	cap      time.Duration
}

func defaultTable() map[Remote]settings {
	return map[Remote]settings{
		RemoteLLM:        {base: 2 * time.Second, mult: 2, attempts: 4, cap: 60 * time.Second},
		RemoteForum:      {base: 3 * time.Second, mult: 2, attempts: 3, cap: 30 * time.Second},
		RemoteStorefront: {base: 2 * time.Second, mult: 2, attempts: 3, cap: 30 * time.Second},
	}
}

// StatusError is an HTTP-level failure reported by a remote client.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d: %s", e.Code, e.Message)
}

// terminal is implemented by errors that must never be retried, such as cost
// refusals and schema validation failures.
type terminal interface {
	Terminal() bool
}

// IsTerminal reports whether err must not be retried. HTTP 4xx other than 429
// is terminal; 429, 5xx, timeouts, and unclassified errors are transient.
func IsTerminal(err error) bool {
	var t terminal
	if errors.As(err, &t) {
		return t.Terminal()
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 400 && se.Code < 500 && se.Code != 429
	}
	return false
}

// Policy executes operations against remotes with classification and backoff.
type Policy struct {
	table  map[Remote]settings
	jitter func() time.Duration
}

// New creates a Policy with the production backoff table.
func New() *Policy {
	return &Policy{
		table:  defaultTable(),
		jitter: func() time.Duration { return time.Duration(rand.Int63n(int64(maxJitter))) },
	}
}

// Execute runs op, retrying transient failures per the remote's backoff
// schedule. On attempt exhaustion the last error propagates unchanged, as does
// the first terminal error.
func (p *Policy) Execute(ctx context.Context, remote Remote, op func() error) error {
	s, ok := p.table[remote]
	if !ok {
		return fmt.Errorf("unknown remote %q", remote)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.base
	b.Multiplier = s.mult
	b.MaxInterval = s.cap
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	var bo backoff.BackOff = &jitteredBackOff{next: b, jitter: p.jitter}
	bo = backoff.WithContext(backoff.WithMaxRetries(bo, s.attempts-1), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTerminal(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// jitteredBackOff adds a uniform random offset on top of the exponential
// schedule rather than scaling it, keeping the floor of each sleep intact.
type jitteredBackOff struct {
	next   backoff.BackOff
	jitter func() time.Duration
}

func (j *jitteredBackOff) NextBackOff() time.Duration {
	d := j.next.NextBackOff()
	if d == backoff.Stop {
		return backoff.Stop
	}
	return d + j.jitter()
}

func (j *jitteredBackOff) Reset() {
	j.next.Reset()
}
