package eventbus

import (
	"errors"
	"sync"
)

// Observer receives every kind of monitoring event.
type Observer interface {
	OnMetricCollected(MetricEvent)
	OnEventOccurred(SystemEvent)
	OnStateChanged(StateChangeEvent)
}

// Attachment holds the subscriptions of an attached observer. The bus
// keeps only the handler closures; the observer keeps the tokens.
type Attachment struct {
	bus    *Bus
	tokens []Token
	once   sync.Once
	err    error
}

// Attach subscribes obs to all three event types.
func Attach(b *Bus, obs Observer, opts ...SubscribeOption) *Attachment {
	return &Attachment{
		bus: b,
		tokens: []Token{
			Subscribe(b, obs.OnMetricCollected, opts...),
			Subscribe(b, obs.OnEventOccurred, opts...),
			Subscribe(b, obs.OnStateChanged, opts...),
		},
	}
}

// Tokens returns the subscription tokens.
func (a *Attachment) Tokens() []Token { return a.tokens }

// Detach removes the subscriptions. It is safe to call more than once.
func (a *Attachment) Detach() error {
	a.once.Do(func() {
		var errs []error
		for _, tok := range a.tokens {
			if err := a.bus.Unsubscribe(tok); err != nil {
				errs = append(errs, err)
			}
		}
		a.err = errors.Join(errs...)
	})
	return a.err
}
