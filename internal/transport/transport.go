package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/kvfleet/kvrouter/internal/natsutil"
)

// Decoder lets Generate stay polymorphic over the response payload type,
// matching spec.md §4.5's "payload is serialisable and the response is
// deserialisable and can construct an error variant."
type Decoder[T any] interface {
	Decode(data []byte) (T, error)
}

type requestIDKeyType struct{}

var requestIDKey requestIDKeyType

// WithRequestID carries an inbound x-request-id (and, identically,
// x-dynamo-request-id) so Generate can forward it onto the request-plane
// headers per spec.md §4.5 step 4.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}

// natsHeaderCarrier adapts nats.Header to propagation.TextMapCarrier so
// the OpenTelemetry TraceContext propagator can inject traceparent and
// tracestate directly into the outgoing message headers.
type natsHeaderCarrier nats.Header

func (c natsHeaderCarrier) Get(key string) string {
	if v := nats.Header(c).Values(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c natsHeaderCarrier) Set(key, value string) {
	nats.Header(c).Set(key, value)
}

func (c natsHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// ManyOut is the lazy, close-aware response sequence produced by
// Generate, implementing spec.md §4.5's state-machine table.
type ManyOut[T any] struct {
	ch            chan *nats.Msg
	sub           *nats.Subscription
	dec           Decoder[T]
	completeFinal bool
}

// Next advances the sequence. ended==true means the caller must stop
// calling Next; a non-nil err alongside ended==false means "skip this
// message, the sequence continues" (a decode error).
func (m *ManyOut[T]) Next(ctx context.Context) (value T, err error, ended bool) {
	var zero T
	if m.completeFinal {
		// A well-behaved publisher sends nothing after complete_final, but
		// a redelivery or a racing duplicate can still land in the buffer;
		// drain and surface it as an error rather than silently dropping
		// it, without blocking (the sequence is already over).
		select {
		case _, ok := <-m.ch:
			if ok {
				return zero, ErrResponseAfterEnd, true
			}
		default:
		}
		return zero, nil, true
	}

	select {
	case msg, ok := <-m.ch:
		if !ok {
			if ctx.Err() != nil {
				return zero, nil, true // caller cancelled
			}
			return zero, ErrStreamEndedUnexpectedly, true
		}
		env, decErr := decodeEnvelope(msg.Data)
		if decErr != nil {
			return zero, decErr, false
		}
		if env.CompleteFinal {
			m.completeFinal = true
			if len(env.Data) == 0 {
				return zero, nil, true
			}
			val, derr := m.dec.Decode(env.Data)
			if derr != nil {
				return zero, derr, true
			}
			return val, nil, true
		}
		if len(env.Data) == 0 {
			return zero, nil, false
		}
		val, derr := m.dec.Decode(env.Data)
		if derr != nil {
			return zero, derr, false
		}
		return val, nil, false
	case <-ctx.Done():
		return zero, nil, true
	}
}

// Close releases the underlying data-plane subscription. Safe to call
// more than once.
func (m *ManyOut[T]) Close() {
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
		m.sub = nil
	}
}

// Generate implements spec.md §4.5's addressed-request protocol: it
// registers a per-request response subject (the "data plane"), sends a
// framed control+payload message to address on the "request plane", and
// returns a lazy response sequence once the request-plane ack confirms
// delivery.
func Generate[T any](ctx context.Context, conn *natsutil.Conn, address string, payload []byte, dec Decoder[T]) (*ManyOut[T], error) {
	inbox := fmt.Sprintf("_INBOX.kvrouter.%s", uuid.NewString())
	msgCh := make(chan *nats.Msg, 64)
	sub, err := conn.NC.ChanSubscribe(inbox, msgCh)
	if err != nil {
		return nil, fmt.Errorf("%w: registering response stream: %v", ErrDetachedStreamReceiver, err)
	}

	control := ControlMessage{
		ID:             uuid.NewString(),
		RequestType:    requestTypeSingleIn,
		ResponseType:   responseTypeManyOut,
		ConnectionInfo: inbox,
	}
	controlBytes, err := json.Marshal(control)
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("kvrouter: encoding control message: %w", err)
	}
	body := EncodeTwoPart(controlBytes, payload)

	msg := nats.NewMsg(address)
	msg.Data = body
	msg.Header = nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, natsHeaderCarrier(msg.Header))
	if id, ok := requestIDFromContext(ctx); ok {
		msg.Header.Set("x-request-id", id)
		msg.Header.Set("x-dynamo-request-id", id)
	}

	if _, err := conn.NC.RequestMsgWithContext(ctx, msg); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	return &ManyOut[T]{ch: msgCh, sub: sub, dec: dec}, nil
}

func init() {
	// W3C trace-context (traceparent/tracestate) is the only propagation
	// format spec.md §4.5 calls for; pin it rather than trusting whatever
	// the embedding process may have installed globally.
	otel.SetTextMapPropagator(propagation.TraceContext{})
}
