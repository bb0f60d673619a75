package poller

import (
	"context"
	"time"
)

// Timings drive the scheduler and the rate limiter.
type Timings struct {
	// Interval between periodic checks.
	Interval time.Duration `yaml:"interval" json:"interval"`
	// InitialDelay before the first check, letting dynamic content load.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	// Cooldown is the minimum gap between two notifications.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`

	// MutationDebounce delays a check after the last qualifying mutation.
	MutationDebounce time.Duration `yaml:"mutation_debounce" json:"mutation_debounce"`
	// MutationMinText is the added-text length a mutation must exceed.
	MutationMinText int `yaml:"mutation_min_text" json:"mutation_min_text"`
	// MutationGap is the time since the last notification a mutation-driven
	// check requires.
	MutationGap time.Duration `yaml:"mutation_gap" json:"mutation_gap"`

	// VisibilityGap is the time since the last notification a
	// visibility-driven check requires.
	VisibilityGap time.Duration `yaml:"visibility_gap" json:"visibility_gap"`
	// VisibilityDelay delays the check after the page becomes visible.
	VisibilityDelay time.Duration `yaml:"visibility_delay" json:"visibility_delay"`

	// LocationPoll is how often the page location is compared.
	LocationPoll time.Duration `yaml:"location_poll" json:"location_poll"`
	// NavigationDelay delays the check after a location change.
	NavigationDelay time.Duration `yaml:"navigation_delay" json:"navigation_delay"`
}

// DefaultTimings returns the built-in timings.
func DefaultTimings() Timings {
	return Timings{
		Interval:         10 * time.Second,
		InitialDelay:     3 * time.Second,
		Cooldown:         5 * time.Second,
		MutationDebounce: 2 * time.Second,
		MutationMinText:  20,
		MutationGap:      3 * time.Second,
		VisibilityGap:    10 * time.Second,
		VisibilityDelay:  2 * time.Second,
		LocationPoll:     2 * time.Second,
		NavigationDelay:  2 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultTimings.
func (t Timings) WithDefaults() Timings {
	d := DefaultTimings()
	if t.Interval <= 0 {
		t.Interval = d.Interval
	}
	if t.InitialDelay <= 0 {
		t.InitialDelay = d.InitialDelay
	}
	if t.Cooldown <= 0 {
		t.Cooldown = d.Cooldown
	}
	if t.MutationDebounce <= 0 {
		t.MutationDebounce = d.MutationDebounce
	}
	if t.MutationMinText <= 0 {
		t.MutationMinText = d.MutationMinText
	}
	if t.MutationGap <= 0 {
		t.MutationGap = d.MutationGap
	}
	if t.VisibilityGap <= 0 {
		t.VisibilityGap = d.VisibilityGap
	}
	if t.VisibilityDelay <= 0 {
		t.VisibilityDelay = d.VisibilityDelay
	}
	if t.LocationPoll <= 0 {
		t.LocationPoll = d.LocationPoll
	}
	if t.NavigationDelay <= 0 {
		t.NavigationDelay = d.NavigationDelay
	}
	return t
}

// Timings returns the effective timings.
func (p *Poller) Timings() Timings { return p.timings }

// Run drives the triggers until ctx is cancelled or monitoring stops: the
// initial check, the periodic tick, debounced mutations, visibility and
// location changes. Every trigger goes through Trigger and so is dropped
// while a check runs.
func (p *Poller) Run(ctx context.Context) error {
	t := p.timings
	var signals <-chan Signal
	if src, ok := p.page.(SignalSource); ok {
		signals = src.Signals()
	}

	// Delayed triggers land here; a full buffer drops them.
	fire := make(chan string, 8)
	after := func(d time.Duration, reason string) *time.Timer {
		return time.AfterFunc(d, func() {
			select {
			case fire <- reason:
			default:
			}
		})
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	initial := time.NewTimer(t.InitialDelay)
	defer initial.Stop()

	// The periodic tick starts after the initial check.
	var tick <-chan time.Time
	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	location := time.NewTicker(t.LocationPoll)
	defer location.Stop()
	lastURL, _ := p.page.URL(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-p.Done():
			return ErrStopped

		case <-initial.C:
			if !p.rt.Valid() {
				p.Stop()
				return ErrStopped
			}
			p.logger.Info("poller: running initial check")
			p.Trigger("initial")
			ticker = time.NewTicker(t.Interval)
			tick = ticker.C

		case <-tick:
			if !p.rt.Valid() {
				p.Stop()
				return ErrStopped
			}
			p.Trigger("interval")

		case <-location.C:
			url, err := p.page.URL(ctx)
			if err != nil {
				p.invalidated(err)
				continue
			}
			if url != lastURL {
				p.logger.Info("poller: location changed", "from", lastURL, "to", url)
				lastURL = url
				after(t.NavigationDelay, "navigation")
			}

		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			p.onSignal(sig, &debounce, after)

		case reason := <-fire:
			if reason == "mutation" && p.session.SinceLastNotification(p.now()) <= t.MutationGap {
				p.logger.Debug("poller: skipping mutation check, too soon since last notification")
				continue
			}
			p.Trigger(reason)
		}
	}
}

func (p *Poller) onSignal(sig Signal, debounce **time.Timer, after func(time.Duration, string) *time.Timer) {
	t := p.timings
	switch sig.Kind {
	case SignalMutation:
		if sig.AddedText <= t.MutationMinText {
			return
		}
		if *debounce != nil {
			(*debounce).Stop()
		}
		*debounce = after(t.MutationDebounce, "mutation")

	case SignalVisible:
		if p.session.Status() != StatusReady {
			return
		}
		if p.session.SinceLastNotification(p.now()) <= t.VisibilityGap {
			p.logger.Debug("poller: skipping visibility check, too soon since last notification")
			return
		}
		after(t.VisibilityDelay, "visibility")

	case SignalNavigated:
		after(t.NavigationDelay, "navigation")
	}
}
