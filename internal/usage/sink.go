package usage

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilotcrew/agentgate/internal/metrics"
	"github.com/pilotcrew/agentgate/internal/models"
)

// StreamKey is the Redis stream the billing/analytics side consumes.
const StreamKey = "agentgate:usage"

const (
	queueDepth   = 1024
	streamMaxLen = 100_000
	writeTimeout = 5 * time.Second
)

// Emitter receives finished usage records. The request path never waits on
// an Emitter: Record must not block.
type Emitter interface {
	Record(rec models.UsageRecord)
}

// UsageStore is the durable side of the sink (Postgres usage_records).
type UsageStore interface {
	InsertUsage(ctx context.Context, rec *models.UsageRecord) error
}

// Sink is the fire-and-forget usage-log sink: a bounded in-process queue
// drained by one worker that XADDs each record to a capped Redis stream and
// appends it to the store. At-least-once, never exactly-once; a full queue
// drops the record rather than stalling a request.
type Sink struct {
	queue chan models.UsageRecord
	rdb   *redis.Client
	store UsageStore

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSink starts the worker. Either backend may be nil (disabled).
func NewSink(rdb *redis.Client, store UsageStore) *Sink {
	s := &Sink{
		queue: make(chan models.UsageRecord, queueDepth),
		rdb:   rdb,
		store: store,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Record enqueues without blocking.
func (s *Sink) Record(rec models.UsageRecord) {
	select {
	case s.queue <- rec:
	default:
		metrics.UsageRecordsDropped.Inc()
		log.Printf("⚠️  Usage queue full, dropped record for owner %s", rec.OwnerID)
	}
}

// Close drains the queue and stops the worker.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.queue) })
	s.wg.Wait()
}

func (s *Sink) run() {
	defer s.wg.Done()
	for rec := range s.queue {
		s.write(rec)
	}
}

// write pushes one record to both backends. A panic here must never take
// down the gateway, so it is caught and logged.
func (s *Sink) write(rec models.UsageRecord) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Usage sink panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if s.rdb != nil {
		payload, err := json.Marshal(rec)
		if err == nil {
			err = s.rdb.XAdd(ctx, &redis.XAddArgs{
				Stream: StreamKey,
				MaxLen: streamMaxLen,
				Approx: true,
				Values: map[string]interface{}{"record": payload},
			}).Err()
		}
		if err != nil {
			log.Printf("❌ Usage stream write failed: %v", err)
		}
	}

	if s.store != nil {
		if err := s.store.InsertUsage(ctx, &rec); err != nil {
			log.Printf("❌ Usage insert failed: %v", err)
		}
	}
}
