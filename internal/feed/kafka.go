package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"notifyd/internal/domain"
	logx "notifyd/pkg/logx"
)

type KafkaSourceConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// DialTimeout bounds the connectivity check in Open. Default 5s.
	DialTimeout time.Duration
}

// cdcMessage is the wire shape of one change: a created record.
type cdcMessage struct {
	Collection string         `json:"collection"`
	Key        string         `json:"key"`
	Value      map[string]any `json:"value"`
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes CDC messages from a topic as part of a consumer
// group. Offsets are committed per partition in order, only once every
// earlier message of that partition has been handled.
type KafkaSource struct {
	cfg    KafkaSourceConfig
	log    logx.Logger
	reader kafkaReader

	mu      sync.Mutex
	parts   map[int]*partitionQueue
	commits chan kafka.Message
	stopped chan struct{}
	closed  bool
}

type pendingMsg struct {
	msg  kafka.Message
	done bool
}

type partitionQueue struct {
	items []*pendingMsg
}

func NewKafkaSource(cfg KafkaSourceConfig, log logx.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka source requires at least one broker")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka source requires a topic")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		cfg.GroupID = "notifyd"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &KafkaSource{cfg: cfg, log: log}, nil
}

func (s *KafkaSource) Name() string { return "kafka" }

// Open verifies the topic exists on the first reachable broker, then starts
// the group reader.
func (s *KafkaSource) Open(ctx context.Context) error {
	dialer := &kafka.Dialer{Timeout: s.cfg.DialTimeout}
	var lastErr error
	for _, broker := range s.cfg.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		parts, err := conn.ReadPartitions(s.cfg.Topic)
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if len(parts) == 0 {
			return fmt.Errorf("kafka feed: topic %q has no partitions", s.cfg.Topic)
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return fmt.Errorf("kafka feed: %w", lastErr)
	}

	s.start(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  s.cfg.Brokers,
		GroupID:  s.cfg.GroupID,
		Topic:    s.cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	}))
	return nil
}

func (s *KafkaSource) start(r kafkaReader) {
	s.reader = r
	s.parts = map[int]*partitionQueue{}
	s.commits = make(chan kafka.Message, 256)
	s.stopped = make(chan struct{})
	go s.commitLoop()
}

func (s *KafkaSource) commitLoop() {
	defer close(s.stopped)
	for msg := range s.commits {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.reader.CommitMessages(ctx, msg)
		cancel()
		if err != nil {
			s.log.Warn("kafka commit failed", logx.Int("partition", msg.Partition), logx.Int64("offset", msg.Offset), logx.Err(err))
		}
	}
}

func (s *KafkaSource) Run(ctx context.Context, emit Emit) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		done := s.track(msg)

		ev, err := decodeCDC(msg)
		if err != nil {
			s.log.Warn("undecodable change message skipped",
				logx.Int("partition", msg.Partition),
				logx.Int64("offset", msg.Offset),
				logx.Err(err),
			)
			done()
			continue
		}
		emit(ev, done)
	}
}

// track registers msg and returns its completion callback.
func (s *KafkaSource) track(msg kafka.Message) func() {
	p := &pendingMsg{msg: msg}
	s.mu.Lock()
	q := s.parts[msg.Partition]
	if q == nil {
		q = &partitionQueue{}
		s.parts[msg.Partition] = q
	}
	q.items = append(q.items, p)
	s.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { s.complete(msg.Partition, p) }) }
}

func (s *KafkaSource) complete(partition int, p *pendingMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.done = true
	q := s.parts[partition]

	var last *kafka.Message
	for len(q.items) > 0 && q.items[0].done {
		last = &q.items[0].msg
		q.items = q.items[1:]
	}
	if last == nil || s.closed {
		return
	}
	// Sent under the lock so commits stay in offset order.
	s.commits <- *last
}

// Close stops committing and closes the reader. Handlers finishing after
// Close leave their offsets uncommitted and are redelivered.
func (s *KafkaSource) Close() error {
	s.mu.Lock()
	if s.closed || s.reader == nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.commits)
	s.mu.Unlock()

	<-s.stopped
	return s.reader.Close()
}

func decodeCDC(msg kafka.Message) (domain.ChangeEvent, error) {
	var m cdcMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return domain.ChangeEvent{}, err
	}
	c, ok := domain.ParseCollection(m.Collection)
	if !ok {
		return domain.ChangeEvent{}, fmt.Errorf("unknown collection %q", m.Collection)
	}
	key := m.Key
	if key == "" {
		key = string(msg.Key)
	}
	if key == "" {
		return domain.ChangeEvent{}, errors.New("missing record key")
	}
	if m.Value == nil {
		m.Value = map[string]any{}
	}
	return domain.ChangeEvent{Collection: c, Key: key, Payload: m.Value, Seq: msg.Offset}, nil
}
