package chain

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager hands out one Store per logbook for the lifetime of the process.
type Manager struct {
	mu      sync.Mutex
	stores  map[string]*Store
	persist Persistence
	content ContentStore
	logger  *zap.Logger
}

// NewManager creates a Manager over the given backends.
func NewManager(persist Persistence, content ContentStore, logger *zap.Logger) *Manager {
	return &Manager{
		stores:  make(map[string]*Store),
		persist: persist,
		content: content,
		logger:  logger,
	}
}

// Open returns the store for logbook, loading it from persistence or creating
// and persisting an empty chain when none exists. A document that cannot be
// parsed yields ErrCorruptStore and is left untouched.
func (m *Manager) Open(logbook string) (*Store, error) {
	if err := ValidateName("logbook name", logbook); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[logbook]; ok {
		return s, nil
	}

	c, err := m.persist.Load(logbook)
	switch {
	case errors.Is(err, ErrNotFound):
		c = &Chain{LogbookName: logbook, Entries: []Entry{}}
		if err := m.persist.Save(c); err != nil {
			return nil, fmt.Errorf("create logbook %q: %w", logbook, err)
		}
		m.logger.Info("logbook created", zap.String("logbook", logbook))
	case err != nil:
		return nil, fmt.Errorf("open logbook %q: %w", logbook, err)
	}

	s := newStore(c, m.persist, m.content, m.logger)
	m.stores[logbook] = s
	return s, nil
}

// Quarantine moves the persisted document for logbook aside and forgets any
// open store, so the next Open starts from an empty chain. It returns the
// location the document was moved to.
func (m *Manager) Quarantine(logbook string) (string, error) {
	if err := ValidateName("logbook name", logbook); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.stores, logbook)
	where, err := m.persist.Quarantine(logbook, strconv.FormatInt(time.Now().Unix(), 10))
	if err != nil {
		return "", err
	}
	m.logger.Warn("chain document quarantined",
		zap.String("logbook", logbook),
		zap.String("moved_to", where),
	)
	return where, nil
}

// Exists reports whether a chain document is persisted for logbook.
func (m *Manager) Exists(logbook string) (bool, error) {
	if err := ValidateName("logbook name", logbook); err != nil {
		return false, err
	}
	m.mu.Lock()
	_, open := m.stores[logbook]
	m.mu.Unlock()
	if open {
		return true, nil
	}
	return m.persist.Exists(logbook)
}

// Names lists persisted logbooks.
func (m *Manager) Names() ([]string, error) {
	return m.persist.Names()
}

// Content returns the shared content store.
func (m *Manager) Content() ContentStore { return m.content }
