// Package preprocess runs a payload through decode, an ordered list of
// transform steps, and encode, producing a file ready for submission.
package preprocess

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/you-humble/mediaupload/uploader/internal/domain"
	"github.com/you-humble/mediaupload/uploader/internal/payload"
)

var (
	// ErrValidation marks a step that rejected its input.
	ErrValidation = errors.New("validation failed")
	ErrNoDecoder  = errors.New("no decoder configured")
	ErrNoEncoder  = errors.New("no encoder configured")
)

type Phase string

const (
	PhaseDecode    Phase = "decode"
	PhaseTransform Phase = "transform"
	PhaseEncode    Phase = "encode"
)

// Error is the only error type Execute returns. Code is already translated
// for the lifecycle machine.
type Error struct {
	Phase Phase
	Step  int
	Code  domain.ErrorCode
	Err   error
}

func (e *Error) Error() string {
	if e.Phase == PhaseTransform {
		return fmt.Sprintf("preprocess %s step %d: %v", e.Phase, e.Step, e.Err)
	}
	return fmt.Sprintf("preprocess %s: %v", e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Info() *domain.ErrorInfo {
	return domain.NewErrorInfo(e.Code, e.Error())
}

type Decoder[T any] interface {
	Decode(ctx context.Context, p payload.Payload, env payload.Env) (T, error)
}

type Step[T any] interface {
	Apply(ctx context.Context, in T) (T, error)
}

type Encoder[T any] interface {
	Encode(ctx context.Context, v T) (string, error)
}

type DecoderFunc[T any] func(ctx context.Context, p payload.Payload, env payload.Env) (T, error)

func (f DecoderFunc[T]) Decode(ctx context.Context, p payload.Payload, env payload.Env) (T, error) {
	return f(ctx, p, env)
}

type StepFunc[T any] func(ctx context.Context, in T) (T, error)

func (f StepFunc[T]) Apply(ctx context.Context, in T) (T, error) { return f(ctx, in) }

type EncoderFunc[T any] func(ctx context.Context, v T) (string, error)

func (f EncoderFunc[T]) Encode(ctx context.Context, v T) (string, error) { return f(ctx, v) }

// Runner is the type-erased view of a chain.
type Runner interface {
	Execute(ctx context.Context, p payload.Payload, env payload.Env) (string, error)
	IsEmpty() bool
}

type Chain[T any] struct {
	decoder Decoder[T]
	encoder Encoder[T]
	steps   []Step[T]

	defaultDecoder func() Decoder[T]
	defaultEncoder func() Encoder[T]

	// resolved once on first Execute; the caller-set fields stay untouched
	once            sync.Once
	resolvedDecoder Decoder[T]
	resolvedEncoder Encoder[T]
}

// NewChain returns an empty chain. The default factories are consulted once,
// on first execution, for whichever of decoder/encoder was not set.
func NewChain[T any](defaultDecoder func() Decoder[T], defaultEncoder func() Encoder[T]) *Chain[T] {
	return &Chain[T]{defaultDecoder: defaultDecoder, defaultEncoder: defaultEncoder}
}

func (c *Chain[T]) WithDecoder(d Decoder[T]) *Chain[T] {
	c.decoder = d
	return c
}

func (c *Chain[T]) WithEncoder(e Encoder[T]) *Chain[T] {
	c.encoder = e
	return c
}

func (c *Chain[T]) AddStep(s Step[T]) *Chain[T] {
	c.steps = append(c.steps, s)
	return c
}

func (c *Chain[T]) Len() int { return len(c.steps) }

// IsEmpty holds for a chain with no custom decoder, encoder or steps. Such a
// chain should be skipped rather than executed.
func (c *Chain[T]) IsEmpty() bool {
	return c.decoder == nil && c.encoder == nil && len(c.steps) == 0
}

func (c *Chain[T]) Execute(ctx context.Context, p payload.Payload, env payload.Env) (string, error) {
	c.once.Do(func() {
		c.resolvedDecoder, c.resolvedEncoder = c.decoder, c.encoder
		if c.resolvedDecoder == nil && c.defaultDecoder != nil {
			c.resolvedDecoder = c.defaultDecoder()
		}
		if c.resolvedEncoder == nil && c.defaultEncoder != nil {
			c.resolvedEncoder = c.defaultEncoder()
		}
	})
	decoder, encoder := c.resolvedDecoder, c.resolvedEncoder

	if decoder == nil {
		return "", &Error{Phase: PhaseDecode, Code: domain.CodePreprocessingError, Err: ErrNoDecoder}
	}
	if encoder == nil {
		return "", &Error{Phase: PhaseEncode, Code: domain.CodePreprocessingError, Err: ErrNoEncoder}
	}

	v, err := decoder.Decode(ctx, p, env)
	if err != nil {
		return "", &Error{Phase: PhaseDecode, Code: decodeCode(err), Err: err}
	}

	for i, s := range c.steps {
		if err := ctx.Err(); err != nil {
			return "", &Error{Phase: PhaseTransform, Step: i, Code: domain.CodePreprocessingError, Err: err}
		}
		v, err = s.Apply(ctx, v)
		if err != nil {
			return "", &Error{Phase: PhaseTransform, Step: i, Code: domain.CodePreprocessingError, Err: err}
		}
	}

	out, err := encoder.Encode(ctx, v)
	if err != nil {
		return "", &Error{Phase: PhaseEncode, Code: domain.CodePreprocessingError, Err: err}
	}
	return out, nil
}

func decodeCode(err error) domain.ErrorCode {
	switch {
	case errors.Is(err, payload.ErrNotFound):
		return domain.CodeResourceNotFound
	case errors.Is(err, payload.ErrEmpty):
		return domain.CodePayloadEmpty
	case domain.IsNetwork(err):
		return domain.CodeNetworkError
	}
	return domain.CodePreprocessingError
}
