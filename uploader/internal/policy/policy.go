// Package policy holds the immutable value objects that govern when and how
// often an upload runs: the execution time window, the per-request retry
// policy, and the process-wide concurrency policy.
package policy

import (
	"errors"
	"fmt"
	"time"
)

type NetworkType string

const (
	NetworkNone      NetworkType = "none"
	NetworkAny       NetworkType = "any"
	NetworkUnmetered NetworkType = "unmetered"
)

type BackoffPolicy string

const (
	BackoffLinear      BackoffPolicy = "linear"
	BackoffExponential BackoffPolicy = "exponential"
)

const (
	DefaultMaxRetries            = 5
	DefaultInitialBackoff        = 2 * time.Minute
	DefaultMaxConcurrentRequests = 5
)

var (
	ErrNetworkRequired = errors.New("an upload always requires network")
	ErrInvalidPolicy   = errors.New("invalid upload policy")
)

type UploadPolicy struct {
	Network          NetworkType   `json:"network" yaml:"network"`
	RequiresCharging bool          `json:"requires_charging" yaml:"requires_charging"`
	RequiresIdle     bool          `json:"requires_idle" yaml:"requires_idle"`
	MaxRetries       int           `json:"max_retries" yaml:"max_retries"`
	Backoff          BackoffPolicy `json:"backoff" yaml:"backoff"`
	InitialBackoff   time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
}

// Default returns ANY network, no device requirements, five exponential retries
// starting at two minutes.
func Default() UploadPolicy {
	return UploadPolicy{
		Network:        NetworkAny,
		MaxRetries:     DefaultMaxRetries,
		Backoff:        BackoffExponential,
		InitialBackoff: DefaultInitialBackoff,
	}
}

// New applies overrides on top of Default and validates the result.
func New(overrides ...func(*UploadPolicy)) (UploadPolicy, error) {
	return Default().With(overrides...)
}

// With returns a validated copy of p with the overrides applied. p itself is
// never modified.
func (p UploadPolicy) With(overrides ...func(*UploadPolicy)) (UploadPolicy, error) {
	c := p
	for _, o := range overrides {
		o(&c)
	}
	if err := c.Validate(); err != nil {
		return UploadPolicy{}, err
	}
	return c, nil
}

func (p UploadPolicy) Validate() error {
	switch p.Network {
	case NetworkAny, NetworkUnmetered:
	case NetworkNone, "":
		return ErrNetworkRequired
	default:
		return fmt.Errorf("%w: unknown network requirement %q", ErrInvalidPolicy, p.Network)
	}
	switch p.Backoff {
	case BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("%w: unknown backoff policy %q", ErrInvalidPolicy, p.Backoff)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative, got %d", ErrInvalidPolicy, p.MaxRetries)
	}
	if p.InitialBackoff <= 0 {
		return fmt.Errorf("%w: initial backoff must be positive, got %s", ErrInvalidPolicy, p.InitialBackoff)
	}
	return nil
}

// HasRequirements reports whether device-state constraints must be
// registered with the scheduler at all.
func (p UploadPolicy) HasRequirements() bool {
	return p.RequiresCharging || p.RequiresIdle || p.Network == NetworkUnmetered
}

func WithNetwork(n NetworkType) func(*UploadPolicy) {
	return func(p *UploadPolicy) { p.Network = n }
}

func WithCharging(required bool) func(*UploadPolicy) {
	return func(p *UploadPolicy) { p.RequiresCharging = required }
}

func WithIdle(required bool) func(*UploadPolicy) {
	return func(p *UploadPolicy) { p.RequiresIdle = required }
}

func WithRetries(max int) func(*UploadPolicy) {
	return func(p *UploadPolicy) { p.MaxRetries = max }
}

func WithBackoff(b BackoffPolicy, initial time.Duration) func(*UploadPolicy) {
	return func(p *UploadPolicy) {
		p.Backoff = b
		p.InitialBackoff = initial
	}
}

// Global is the process-wide default policy plus the concurrency bound and
// the immediate threshold.
type Global struct {
	UploadPolicy          `yaml:",inline"`
	MaxConcurrentRequests int           `json:"max_concurrent_requests" yaml:"max_concurrent_requests"`
	ImmediateThreshold    time.Duration `json:"immediate_threshold" yaml:"immediate_threshold"`
}

func DefaultGlobal() Global {
	return Global{
		UploadPolicy:          Default(),
		MaxConcurrentRequests: DefaultMaxConcurrentRequests,
		ImmediateThreshold:    DefaultImmediateThreshold,
	}
}

func (g Global) Validate() error {
	if err := g.UploadPolicy.Validate(); err != nil {
		return err
	}
	if g.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("%w: max concurrent requests must be positive, got %d",
			ErrInvalidPolicy, g.MaxConcurrentRequests)
	}
	if g.ImmediateThreshold < 0 {
		return fmt.Errorf("%w: immediate threshold must not be negative, got %s",
			ErrInvalidPolicy, g.ImmediateThreshold)
	}
	return nil
}
