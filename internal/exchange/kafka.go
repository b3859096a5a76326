package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/signalsfoundry/sagin-testbed/internal/logging"
	"github.com/signalsfoundry/sagin-testbed/internal/protocol"
)

// KafkaConfig names the brokers and topics of the Kafka transport.
type KafkaConfig struct {
	Brokers       []string
	StateTopic    string
	DecisionTopic string
	GroupID       string
}

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaMessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type pendingDecision struct {
	msg      kafka.Message
	decision protocol.Decision
	err      error
}

// KafkaTransport publishes states to one topic keyed by tick and reads
// decisions from another. Decisions for past ticks are committed and
// dropped; decisions that arrive early are held until their tick.
type KafkaTransport struct {
	writer kafkaMessageWriter
	reader kafkaMessageReader
	log    logging.Logger

	mu      sync.Mutex
	pending map[int64]pendingDecision
}

// NewKafkaTransport dials no connections up front; kafka-go connects
// lazily on first use.
func NewKafkaTransport(cfg KafkaConfig, log logging.Logger) (*KafkaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka transport: at least one broker is required")
	}
	if strings.TrimSpace(cfg.StateTopic) == "" || strings.TrimSpace(cfg.DecisionTopic) == "" {
		return nil, errors.New("kafka transport: state and decision topics must not be empty")
	}
	group := cfg.GroupID
	if group == "" {
		group = "sagin-testbed"
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.StateTopic,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		Balancer:     &kafka.Hash{},
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  group,
		Topic:    cfg.DecisionTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  50 * time.Millisecond,
	})
	return newKafkaTransport(writer, reader, log), nil
}

func newKafkaTransport(w kafkaMessageWriter, r kafkaMessageReader, log logging.Logger) *KafkaTransport {
	if log == nil {
		log = logging.Noop()
	}
	return &KafkaTransport{
		writer:  w,
		reader:  r,
		log:     log.With(logging.String("component", "kafka-exchange")),
		pending: make(map[int64]pendingDecision),
	}
}

func tickKey(tick int64) []byte { return []byte(strconv.FormatInt(tick, 10)) }

// Publish writes the state synchronously with all replicas acknowledging.
func (k *KafkaTransport) Publish(ctx context.Context, state *protocol.State) error {
	value, err := protocol.EncodeState(state)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   tickKey(state.Tick),
		Value: value,
		Headers: []kafka.Header{
			{Key: "run_id", Value: []byte(state.RunID)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write tick %d: %w", state.Tick, err)
	}
	return nil
}

// AwaitDecision fetches from the decision topic until a message for tick
// arrives or timeout passes.
func (k *KafkaTransport) AwaitDecision(ctx context.Context, tick int64, timeout time.Duration) (protocol.Decision, error) {
	if p, ok := k.takePending(tick); ok {
		k.commit(ctx, p.msg)
		return p.decision, p.err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		msg, err := k.reader.FetchMessage(waitCtx)
		if err != nil {
			if ctx.Err() != nil {
				return protocol.Decision{}, ctx.Err()
			}
			if waitCtx.Err() != nil {
				return protocol.Decision{}, fmt.Errorf("%w: tick %d after %s", ErrNoDecision, tick, timeout)
			}
			return protocol.Decision{}, fmt.Errorf("kafka fetch: %w", err)
		}

		msgTick, d, derr := decodeKafkaDecision(msg)
		switch {
		case msgTick < 0:
			k.log.Warn(ctx, "dropping decision without tick", logging.Int64("offset", msg.Offset), logging.Err(derr))
			k.commit(ctx, msg)
		case msgTick < tick:
			k.log.Debug(ctx, "dropping stale decision", logging.Int64("decision_tick", msgTick), logging.Int64("tick", tick))
			k.commit(ctx, msg)
		case msgTick > tick:
			k.mu.Lock()
			k.pending[msgTick] = pendingDecision{msg: msg, decision: d, err: derr}
			k.mu.Unlock()
		default:
			k.commit(ctx, msg)
			return d, derr
		}
	}
}

func (k *KafkaTransport) takePending(tick int64) (pendingDecision, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for t := range k.pending {
		if t < tick {
			delete(k.pending, t)
		}
	}
	p, ok := k.pending[tick]
	if ok {
		delete(k.pending, tick)
	}
	return p, ok
}

func (k *KafkaTransport) commit(ctx context.Context, msg kafka.Message) {
	if err := k.reader.CommitMessages(ctx, msg); err != nil {
		k.log.Warn(ctx, "kafka commit failed", logging.Int64("offset", msg.Offset), logging.Err(err))
	}
}

// decodeKafkaDecision resolves the message tick from its key, falling back
// to the payload's tick. It returns -1 when neither names a tick.
func decodeKafkaDecision(msg kafka.Message) (int64, protocol.Decision, error) {
	d, err := protocol.DecodeDecision(msg.Value)
	if key := strings.TrimSpace(string(msg.Key)); key != "" {
		if t, perr := strconv.ParseInt(key, 10, 64); perr == nil {
			if err == nil {
				err = d.CheckTick(t)
			}
			return t, d, err
		}
	}
	if err == nil && d.HasTick {
		return d.Tick, d, nil
	}
	return -1, d, err
}

// Close releases the writer and reader.
func (k *KafkaTransport) Close() error {
	return errors.Join(k.writer.Close(), k.reader.Close())
}
