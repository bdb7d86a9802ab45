package board

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

// Boards owns one Store per scope, created lazily on first access. Handlers
// hold a *Boards and never free-floating board state.
type Boards struct {
	stageSvc StageService
	taskSvc  TaskService
	logger   *log.Logger
	notify   func(domain.ID)

	mu     sync.Mutex
	stores map[domain.ID]*boardEntry
}

type boardEntry struct {
	store *Store
	once  sync.Once
	err   error
}

// NewBoards creates the registry. notify is invoked after every confirmed
// mutation on any board and may be nil.
func NewBoards(stageSvc StageService, taskSvc TaskService, logger *log.Logger, notify func(domain.ID)) *Boards {
	return &Boards{
		stageSvc: stageSvc,
		taskSvc:  taskSvc,
		logger:   logger,
		notify:   notify,
		stores:   make(map[domain.ID]*boardEntry),
	}
}

// For returns the scope's store, loading it from the services on first use.
func (b *Boards) For(ctx context.Context, scopeID domain.ID) (*Store, error) {
	b.mu.Lock()
	entry, ok := b.stores[scopeID]
	if !ok {
		entry = &boardEntry{store: NewStore(scopeID, b.stageSvc, b.taskSvc, b.logger, b.notify)}
		b.stores[scopeID] = entry
	}
	b.mu.Unlock()

	entry.once.Do(func() {
		entry.err = entry.store.Load(ctx)
	})
	if entry.err != nil {
		b.Invalidate(scopeID)
		return nil, entry.err
	}
	return entry.store, nil
}

// Invalidate drops the cached store so the next access reloads from the
// services.
func (b *Boards) Invalidate(scopeID domain.ID) {
	b.mu.Lock()
	delete(b.stores, scopeID)
	b.mu.Unlock()
}
