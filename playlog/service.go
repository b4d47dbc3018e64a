// Package playlog records what players do: every open, step, back,
// switch choice and save lands as a row in play_events, and the same
// events feed a capped per-session list in the cache for quick
// inspection. Writes are asynchronous; a full queue drops events
// rather than stalling the request path.
package playlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/641i130/Ayaka/cache"
	"github.com/641i130/Ayaka/model"
)

// Event kinds recorded by the server.
const (
	KindOpened    = "opened"
	KindStepped   = "stepped"
	KindBacked    = "backed"
	KindSwitched  = "switched"
	KindRestarted = "restarted"
	KindSaved     = "saved"
	KindLoaded    = "loaded"
	KindSettings  = "settings"
	KindClosed    = "closed"
)

// feedCap bounds the per-session feed kept in the cache.
const feedCap = 100

func feedKey(sessionID string) string {
	return "events:" + sessionID
}

// Entry holds one play event to be recorded.
type Entry struct {
	TraceID   string
	SessionID string
	Title     string
	Kind      string
	Payload   interface{}
}

// Service records play events asynchronously: batched inserts into the
// database plus a rolling feed in the cache. Either sink may be nil;
// with both nil the service is inert.
type Service struct {
	db     *gorm.DB
	feed   cache.Cache
	ch     chan *model.PlayEvent
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New creates a playlog Service and starts its background worker.
func New(db *gorm.DB, feed cache.Cache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &Service{db: db, feed: feed, logger: logger}
	if db == nil && feed == nil {
		return svc
	}
	svc.ch = make(chan *model.PlayEvent, 1024)
	svc.stopCh = make(chan struct{})
	svc.wg.Add(1)
	go svc.worker()
	return svc
}

// Record enqueues a play event for async write.
func (svc *Service) Record(entry Entry) {
	if svc.ch == nil {
		return
	}
	payloadJSON, _ := json.Marshal(entry.Payload)
	row := &model.PlayEvent{
		TraceID:   entry.TraceID,
		SessionID: entry.SessionID,
		Title:     entry.Title,
		Kind:      entry.Kind,
		Payload:   datatypes.JSON(payloadJSON),
		CreatedAt: time.Now(),
	}
	select {
	case svc.ch <- row:
	default:
		svc.logger.Warn("playlog channel full, dropping event",
			zap.String("kind", entry.Kind),
			zap.String("session_id", entry.SessionID))
	}
}

// Recent returns up to n feed entries for a session, newest first.
// Returns nil when no cache feed is configured.
func (svc *Service) Recent(ctx context.Context, sessionID string, n int) ([]json.RawMessage, error) {
	if svc.feed == nil || n <= 0 {
		return nil, nil
	}
	items, err := svc.feed.LRange(ctx, feedKey(sessionID), 0, int64(n-1))
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		out = append(out, json.RawMessage(item))
	}
	return out, nil
}

// Stop flushes remaining events and shuts down the worker.
// It blocks until the worker goroutine has finished.
func (svc *Service) Stop(_ context.Context) {
	if svc.stopCh == nil {
		return
	}
	select {
	case <-svc.stopCh:
	default:
		close(svc.stopCh)
	}
	svc.wg.Wait()
}

// feedItem is the wire shape of one cache feed entry.
type feedItem struct {
	Kind    string          `json:"kind"`
	TraceID string          `json:"trace_id,omitempty"`
	At      int64           `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

func (svc *Service) worker() {
	defer svc.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	batch := make([]*model.PlayEvent, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := svc.db.Create(&batch).Error; err != nil {
			svc.logger.Error("playlog batch write failed", zap.Error(err))
		}
		batch = batch[:0]
	}

	handle := func(row *model.PlayEvent) {
		svc.pushFeed(row)
		if svc.db != nil {
			batch = append(batch, row)
			if len(batch) >= 100 {
				flush()
			}
		}
	}

	for {
		select {
		case row := <-svc.ch:
			handle(row)
		case <-ticker.C:
			flush()
		case <-svc.stopCh:
			// Drain remaining events.
			for {
				select {
				case row := <-svc.ch:
					handle(row)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (svc *Service) pushFeed(row *model.PlayEvent) {
	if svc.feed == nil {
		return
	}
	payload := json.RawMessage(row.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	item, err := json.Marshal(feedItem{
		Kind:    row.Kind,
		TraceID: row.TraceID,
		At:      row.CreatedAt.UnixMilli(),
		Payload: payload,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := feedKey(row.SessionID)
	if err := svc.feed.LPush(ctx, key, string(item)); err != nil {
		svc.logger.Warn("playlog feed push failed", zap.Error(err))
		return
	}
	_ = svc.feed.LTrim(ctx, key, 0, feedCap-1)
}
