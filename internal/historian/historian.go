// internal/historian/historian.go
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/cache"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// popTimeout bounds each BLPOP so the loop notices cancellation and flush ticks.
const popTimeout = time.Second

// Source yields round action records one at a time. Pop returns (nil, nil)
// when nothing arrived within timeout.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (*cache.RoundActionRecord, error)
}

// Sink persists a batch of records atomically.
type Sink interface {
	WriteBatch(ctx context.Context, records []cache.RoundActionRecord) error
}

// RedisSource pops records from the list the game server pushes to.
type RedisSource struct {
	Client *redis.Client
	Queue  string
}

func (rs *RedisSource) Pop(ctx context.Context, timeout time.Duration) (*cache.RoundActionRecord, error) {
	res, err := rs.Client.BLPop(ctx, timeout, rs.Queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// res[0] is the queue name and res[1] the payload.
	if len(res) < 2 {
		return nil, nil
	}
	return decodeRecord([]byte(res[1]))
}

func decodeRecord(b []byte) (*cache.RoundActionRecord, error) {
	var rec cache.RoundActionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("invalid action record: %w", err)
	}
	if rec.ActionType == "" {
		return nil, fmt.Errorf("invalid action record: missing action_type")
	}
	return &rec, nil
}

// Service moves round actions from a Source to a Sink in batches.
type Service struct {
	source     Source
	sink       Sink
	batchSize  int
	flushDelay time.Duration

	mu    sync.Mutex
	batch []cache.RoundActionRecord
}

// NewService creates a Service flushing every batchSize records or every flushDelay.
func NewService(source Source, sink Sink, batchSize int, flushDelay time.Duration) *Service {
	if batchSize < 1 {
		batchSize = 1
	}
	if flushDelay <= 0 {
		flushDelay = 500 * time.Millisecond
	}
	return &Service{
		source:     source,
		sink:       sink,
		batchSize:  batchSize,
		flushDelay: flushDelay,
		batch:      make([]cache.RoundActionRecord, 0, batchSize),
	}
}

// Run consumes the source until ctx is cancelled, then flushes what is left.
func (hs *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(hs.flushDelay)
	defer ticker.Stop()

	log.Info("Historian started")
	defer log.Info("Historian stopped")

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.flush(flushCtx)
		case <-ticker.C:
			if err := hs.flush(ctx); err != nil {
				log.Errorf("flush: %v", err)
			}
			continue
		default:
		}

		rec, err := hs.source.Pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Warnf("pop: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if rec == nil {
			continue
		}
		if hs.add(*rec) {
			if err := hs.flush(ctx); err != nil {
				log.Errorf("flush: %v", err)
			}
		}
	}
}

// add appends rec and reports whether the batch is full.
func (hs *Service) add(rec cache.RoundActionRecord) bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.batch = append(hs.batch, rec)
	return len(hs.batch) >= hs.batchSize
}

// Pending returns the number of buffered records.
func (hs *Service) Pending() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return len(hs.batch)
}

// flush writes the buffered records. On failure they stay buffered for the next attempt.
func (hs *Service) flush(ctx context.Context) error {
	hs.mu.Lock()
	if len(hs.batch) == 0 {
		hs.mu.Unlock()
		return nil
	}
	batch := make([]cache.RoundActionRecord, len(hs.batch))
	copy(batch, hs.batch)
	hs.mu.Unlock()

	if err := hs.sink.WriteBatch(ctx, batch); err != nil {
		return err
	}

	hs.mu.Lock()
	hs.batch = hs.batch[len(batch):]
	if len(hs.batch) == 0 {
		hs.batch = make([]cache.RoundActionRecord, 0, hs.batchSize)
	}
	hs.mu.Unlock()
	log.Debugf("Flushed %d actions to DB.", len(batch))
	return nil
}
