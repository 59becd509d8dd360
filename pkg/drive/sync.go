package drive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/pomelo/internal/logging"
	"github.com/fruitsalade/pomelo/internal/metrics"
	"github.com/fruitsalade/pomelo/pkg/models"
	"github.com/fruitsalade/pomelo/pkg/protocol"
	"github.com/fruitsalade/pomelo/pkg/queue"
)

// syncEngine consumes the per-share event feeds and reconciles them into
// the cache. One poller per subscribed share, each with its own cursor.
type syncEngine struct {
	cache    *Cache
	client   Client
	resolver *resolver

	interval    time.Duration
	concurrency int

	// onRestore fires after a restore-completion event so the drive can
	// refresh the set of locked shares.
	onRestore func(ctx context.Context)

	mu   sync.Mutex
	subs map[string]*shareSubscription
}

type shareSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newSyncEngine(cache *Cache, client Client, resolver *resolver, interval time.Duration, concurrency int) *syncEngine {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	return &syncEngine{
		cache:       cache,
		client:      client,
		resolver:    resolver,
		interval:    interval,
		concurrency: concurrency,
		subs:        make(map[string]*shareSubscription),
	}
}

// Subscribe starts the event poller for a share. Subscribing an already
// subscribed share is a no-op.
func (e *syncEngine) Subscribe(shareID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[shareID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &shareSubscription{cancel: cancel, done: make(chan struct{})}
	e.subs[shareID] = sub
	go e.pollLoop(ctx, shareID, sub)
}

// Subscribed reports whether a share's poller is running.
func (e *syncEngine) Subscribed(shareID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.subs[shareID]
	return ok
}

// Stop halts one share's poller and waits for it to exit.
func (e *syncEngine) Stop(shareID string) {
	e.mu.Lock()
	sub, ok := e.subs[shareID]
	if ok {
		delete(e.subs, shareID)
	}
	e.mu.Unlock()
	if ok {
		sub.cancel()
		<-sub.done
	}
}

// StopAll halts every poller.
func (e *syncEngine) StopAll() {
	e.mu.Lock()
	subs := e.subs
	e.subs = make(map[string]*shareSubscription)
	e.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
}

func (e *syncEngine) pollLoop(ctx context.Context, shareID string, sub *shareSubscription) {
	defer close(sub.done)

	cursor, err := e.client.LatestEventID(ctx, shareID)
	if err != nil {
		logging.Warn("event cursor init failed",
			zap.String("share_id", shareID), logging.Err(err))
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			if cursor == "" {
				cursor, err = e.client.LatestEventID(ctx, shareID)
				if err != nil {
					logging.Warn("event cursor fetch failed",
						zap.String("share_id", shareID), logging.Err(err))
					break
				}
			}
			resp, err := e.client.Events(ctx, shareID, cursor)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.Warn("event poll failed",
					zap.String("share_id", shareID), logging.Err(err))
				break
			}
			if resp.Refresh {
				// The cursor is too old; drop cached listings' completeness
				// by restarting from the newest cursor.
				cursor = ""
				continue
			}
			if len(resp.Events) > 0 {
				e.ApplyEvents(ctx, shareID, resp.Events)
			}
			cursor = resp.EventID
			if !resp.More {
				break
			}
		}
	}
}

// ApplyEvents reconciles one event batch into the cache. A single corrupt
// event is logged and skipped, never aborting the batch.
func (e *syncEngine) ApplyEvents(ctx context.Context, shareID string, events []protocol.Event) {
	// Delete dominates: collect deleted ids first so a metadata update in
	// the same batch cannot resurrect the link, whatever the order.
	deleted := make(map[string]struct{})
	for _, ev := range events {
		if models.EventType(ev.Type) == models.EventDelete {
			deleted[ev.LinkID] = struct{}{}
		}
	}

	batch := e.decodeBatch(ctx, shareID, events, deleted)

	byType := make(map[string]int)
	for _, ev := range batch {
		byType[ev.Type.String()]++

		if ev.Type == models.EventDelete {
			e.cache.DeleteLinks(shareID, []string{ev.LinkID}, false)
			continue
		}
		if _, gone := deleted[ev.LinkID]; gone {
			continue
		}
		if ev.Link == nil {
			// Undecryptable payload, already logged by decodeBatch.
			continue
		}
		link := *ev.Link

		// A changed parent or trashed state means the link still sits in
		// its old listing location; clear that first so it cannot appear
		// in two places.
		if prior, ok := e.cache.Link(shareID, ev.LinkID); ok {
			if prior.ParentID != link.ParentID || prior.IsTrashed() != link.IsTrashed() {
				e.cache.DeleteLinks(shareID, []string{ev.LinkID}, true)
			}
		}

		switch {
		case ev.RestoreCompleted:
			e.cache.SetChildren(shareID, link.ParentID, []models.Link{link}, models.DefaultSort, ListUnlisted)
			if e.onRestore != nil {
				e.onRestore(ctx)
			}
		case link.IsTrashed():
			e.cache.SetTrash(shareID, []models.Link{link}, ListUnlisted)
		default:
			mode := ListUnlisted
			if ev.Type == models.EventCreate {
				mode = ListUnlistedCreate
			}
			e.cache.SetChildren(shareID, link.ParentID, []models.Link{link}, models.DefaultSort, mode)
			if link.Type == models.LinkTypeFolder {
				e.cache.SetFoldersOnly(shareID, link.ParentID, []models.Link{link}, mode)
			}
		}
	}
	metrics.RecordEventBatch(byType)
}

// decodeBatch turns a wire batch into typed events, decrypting payloads
// concurrently against their new parents' keys. An undecryptable payload
// is logged and carried with a nil Link.
func (e *syncEngine) decodeBatch(ctx context.Context, shareID string, events []protocol.Event, deleted map[string]struct{}) []models.ShareEvent {
	decrypted := e.decryptBatch(ctx, shareID, events, deleted)
	out := make([]models.ShareEvent, 0, len(events))
	for _, ev := range events {
		se := models.ShareEvent{
			Type:             models.EventType(ev.Type),
			LinkID:           ev.LinkID,
			RestoreCompleted: ev.RestoreCompleted,
		}
		if link, ok := decrypted[ev.LinkID]; ok {
			link := link
			se.Link = &link
		}
		out = append(out, se)
	}
	return out
}

func (e *syncEngine) decryptBatch(ctx context.Context, shareID string, events []protocol.Event, deleted map[string]struct{}) map[string]models.Link {
	sem := queue.NewSemaphore(e.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	out := make(map[string]models.Link)

	for _, ev := range events {
		if models.EventType(ev.Type) == models.EventDelete || ev.Link == nil {
			continue
		}
		if _, gone := deleted[ev.LinkID]; gone {
			continue
		}
		if err := sem.Acquire(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func(ev protocol.Event) {
			defer wg.Done()
			defer sem.Release()
			link, err := e.resolver.DecryptLink(ctx, shareID, *ev.Link)
			if err != nil {
				logging.Warn("event decryption failed",
					zap.String("share_id", shareID),
					zap.String("link_id", ev.LinkID),
					logging.Err(err))
				return
			}
			mu.Lock()
			out[ev.LinkID] = link
			mu.Unlock()
		}(ev)
	}
	wg.Wait()
	return out
}
