package batchers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/coalesce"
	"github.com/swarmguard/coalesce/internal/platform/logging"
	"github.com/swarmguard/coalesce/internal/platform/resilience"
)

// NATSOperation asks for a single key from a subject that answers batch
// requests over NATS request/reply.
type NATSOperation struct {
	Subject string
	Key     string
}

func (o NATSOperation) Batcher() (coalesce.Batcher, error) {
	return &natsSubjectBatcher{subject: o.Subject}, nil
}

// natsSubjectBatcher groups NATSOperations by subject. Equal compares
// subjects rather than pointer identity so that two independently
// constructed NATSOperations addressed at the same subject still coalesce,
// matching the contract in coalesce.Batcher that equal batchers must behave
// identically regardless of which instance the scheduler happens to drive.
type natsSubjectBatcher struct {
	subject string
}

func (b *natsSubjectBatcher) Equal(other coalesce.Batcher) bool {
	o, ok := other.(*natsSubjectBatcher)
	return ok && o.subject == b.subject
}

func (b *natsSubjectBatcher) Hash() uint64 {
	return endpointBatcher(b.subject).Hash()
}

type natsBatchRequest struct {
	Keys []string `json:"keys"`
}

type natsBatchResponse struct {
	Values []json.RawMessage `json:"values"`
	Error  string            `json:"error,omitempty"`
}

// NATSBatcher performs the actual request/reply round trip for a
// natsSubjectBatcher's group, propagating the trace context of the batch's
// own "nats.batch" span (a new root span) into the message header. The
// outbound request spends one rate-limiter token
// per coalesced operation (not per call), so a subject whose consumer can
// handle 50 keys/sec is throttled the same whether those 50 keys arrive as
// fifty single-operation batches or one fifty-operation batch. The request
// itself is retried with backoff, tagged with the subject and operation
// count so retry volume can be attributed to the group actually causing it.
type NATSBatcher struct {
	Conn    *nats.Conn
	Timeout time.Duration
	limiter *resilience.RateLimiter
}

var natsPropagator = propagation.TraceContext{}

func (b *natsSubjectBatcher) GenBatch(ops []coalesce.Operation) (*coalesce.Task, error) {
	return natsClient.genBatch(b.subject, ops)
}

// natsClient is the package-level NATSBatcher every NATSOperation resolves
// through; set natsClient.Conn before use (it is nil-safe to construct, but
// GenBatch will fail fast with a clear error if no connection is attached).
var natsClient = &NATSBatcher{
	Timeout: 5 * time.Second,
	limiter: resilience.NewRateLimiter("nats", 50, 50, time.Second, 200),
}

// Configure attaches a live NATS connection for NATSOperation to use. Call
// it once during service startup.
func Configure(conn *nats.Conn) {
	natsClient.Conn = conn
}

func (b *NATSBatcher) genBatch(subject string, ops []coalesce.Operation) (*coalesce.Task, error) {
	return coalesce.NewTask(func(coalesce.Yielder) (any, error) {
		started := time.Now()
		result, err := b.doGenBatch(subject, ops)
		logging.LogBatchOutcome(subject, len(ops), time.Since(started), err)
		return result, err
	}), nil
}

func (b *NATSBatcher) doGenBatch(subject string, ops []coalesce.Operation) (any, error) {
	if b.Conn == nil {
		return nil, fmt.Errorf("coalesce/batchers: nats batcher used before Configure")
	}
	if b.limiter != nil && !b.limiter.AllowN(int64(len(ops))) {
		return nil, fmt.Errorf("nats batch request on %s: rate limited (%d operations)", subject, len(ops))
	}

	tr := otel.Tracer("coalesce-nats-batcher")
	ctx, span := tr.Start(context.Background(), "nats.batch", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	keys := make([]string, len(ops))
	for i, op := range ops {
		keys[i] = op.(NATSOperation).Key
	}
	payload, err := json.Marshal(natsBatchRequest{Keys: keys})
	if err != nil {
		return nil, fmt.Errorf("marshal nats batch request: %w", err)
	}

	hdr := nats.Header{}
	natsPropagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: payload, Header: hdr}

	reply, err := resilience.Retry(ctx, subject, len(ops), 3, 100*time.Millisecond, func() (*nats.Msg, error) {
		return b.Conn.RequestMsg(msg, b.Timeout)
	})
	if err != nil {
		return nil, fmt.Errorf("nats batch request on %s: %w", subject, err)
	}

	var parsed natsBatchResponse
	if err := json.Unmarshal(reply.Data, &parsed); err != nil {
		return nil, fmt.Errorf("decode nats batch response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("nats batch %s: %s", subject, parsed.Error)
	}
	if len(parsed.Values) != len(ops) {
		return nil, fmt.Errorf("%w: nats batch returned %d values for %d operations", coalesce.ErrBatchShape, len(parsed.Values), len(ops))
	}
	results := make([]any, len(parsed.Values))
	for i, v := range parsed.Values {
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return nil, fmt.Errorf("decode value %d: %w", i, err)
		}
		results[i] = decoded
	}
	return results, nil
}
