package bus

import (
	"context"
	"fmt"

	"github.com/drblury/modcomm/internal/runtime/jsoncodec"
)

// TypedHandler receives the payload already converted to T.
type TypedHandler[T any] func(ctx context.Context, env Envelope, payload T) error

// Typed adapts fn into a Handler. Payloads already of type T are passed
// through; anything else, such as a map decoded from JSON, is converted by
// round-tripping it through the JSON codec.
func Typed[T any](fn TypedHandler[T]) Handler {
	return func(ctx context.Context, env Envelope) error {
		var payload T
		switch v := env.Payload.(type) {
		case T:
			payload = v
		case nil:
		default:
			if err := jsoncodec.Convert(v, &payload); err != nil {
				return fmt.Errorf("decode %s payload: %w", env.Type, err)
			}
		}
		return fn(ctx, env, payload)
	}
}
