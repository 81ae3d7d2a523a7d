package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event types emitted during a research run
const (
	EventRunStarted    = "RUN_STARTED"
	EventNodeStarted   = "NODE_STARTED"
	EventNodeCompleted = "NODE_COMPLETED"
	EventForcedWrite   = "FORCED_COMPLETION"
	EventReportSaved   = "REPORT_SAVED"
	EventRunCompleted  = "RUN_COMPLETED"
	EventRunFailed     = "RUN_FAILED"
)

// Event is one progress notification of a run
type Event struct {
	RunID     string                 `json:"run_id"`
	Type      string                 `json:"type"`
	Node      string                 `json:"node,omitempty"`
	Iteration int                    `json:"iteration,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Terminal reports whether no further events follow for the run
func (e Event) Terminal() bool {
	return e.Type == EventRunCompleted || e.Type == EventRunFailed
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Config tunes event retention
type Config struct {
	// Capacity is the per-run replay ring size
	Capacity int `mapstructure:"capacity"`
	// RedisAddr mirrors events into Redis Streams when set
	RedisAddr string `mapstructure:"redis_addr"`
	// StreamMaxLen trims each run's stream approximately
	StreamMaxLen int64         `mapstructure:"stream_max_len"`
	StreamTTL    time.Duration `mapstructure:"stream_ttl"`
}

// Manager provides in-memory pub/sub for run events with a per-run replay
// ring. When a Redis client is set, events are also appended to a stream per
// run so other processes can read them.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int

	redis  *redis.Client
	maxLen int64
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a manager; client may be nil
func NewManager(cfg Config, client *redis.Client, logger *zap.Logger) *Manager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = 1000
	}
	if cfg.StreamTTL <= 0 {
		cfg.StreamTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    cfg.Capacity,
		redis:       client,
		maxLen:      cfg.StreamMaxLen,
		ttl:         cfg.StreamTTL,
		logger:      logger,
		now:         time.Now,
	}
}

// StreamKey is the Redis stream holding a run's events
func StreamKey(runID string) string {
	return "researcher:events:" + runID
}

// Subscribe adds a subscriber channel for a run; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish assigns the next sequence number and sends the event to all
// subscribers of the run. Slow subscribers miss events rather than block.
func (m *Manager) Publish(runID string, evt Event) {
	evt.RunID = runID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.now().UTC()
	}

	m.mu.Lock()
	rg := m.history[runID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[runID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	// non-blocking sends under the lock so Unsubscribe cannot close a channel mid-send
	for ch := range m.subscribers[runID] {
		select {
		case ch <- evt:
		default:
		}
	}
	m.mu.Unlock()

	if m.redis != nil {
		m.mirror(evt)
	}
}

func (m *Manager) mirror(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := StreamKey(evt.RunID)
	pipe := m.redis.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":   strconv.FormatUint(evt.Seq, 10),
			"type":  evt.Type,
			"event": string(evt.Marshal()),
		},
	})
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("Failed to mirror event to Redis stream",
			zap.String("run_id", evt.RunID),
			zap.String("type", evt.Type),
			zap.Error(err),
		)
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ReadStream returns up to count mirrored events with Seq > since from Redis
func (m *Manager) ReadStream(ctx context.Context, runID string, since uint64, count int64) ([]Event, error) {
	if m.redis == nil {
		return nil, fmt.Errorf("event stream mirror is not configured")
	}
	if count <= 0 {
		count = 1000
	}
	msgs, err := m.redis.XRangeN(ctx, StreamKey(runID), "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, _ := msg.Values["event"].(string)
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Forget drops the replay ring of a finished run
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, runID)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
