package session

import (
	"context"
	"sync"
	"time"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/cache"
	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
)

// MemoryStore keeps sessions in process, for development and tests. States
// are stored as clones so callers never share slices with the store.
type MemoryStore struct {
	mu     sync.Mutex
	states *cache.InMemory[domain.ConversationState]
	refs   *cache.InMemory[domain.SessionKey]
}

// NewMemoryStore creates a MemoryStore whose entries expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		states: cache.New[domain.ConversationState](ttl),
		refs:   cache.New[domain.SessionKey](ttl),
	}
}

func memoryKey(key domain.SessionKey) string {
	return key.OrganizationID + "|" + domain.DigitsOnly(key.Phone)
}

func (m *MemoryStore) Load(_ context.Context, key domain.SessionKey) (*domain.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states.Get(memoryKey(key))
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "session", ID: domain.MaskPhone(key.Phone)}
	}
	c := state.Clone()
	return &c, nil
}

func (m *MemoryStore) Save(_ context.Context, state domain.ConversationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states.Set(memoryKey(state.Key()), state.Clone())
	if ref := state.PaymentExternalReference; ref != "" {
		m.refs.Set(ref, state.Key())
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key domain.SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memoryKey(key)
	if state, ok := m.states.Get(k); ok && state.PaymentExternalReference != "" {
		m.refs.Delete(state.PaymentExternalReference)
	}
	m.states.Delete(k)
	return nil
}

func (m *MemoryStore) FindByReference(_ context.Context, externalReference string) (*domain.SessionKey, error) {
	key, ok := m.refs.Get(externalReference)
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "payment_reference", ID: externalReference}
	}
	return &key, nil
}

// Close stops the expiry sweepers.
func (m *MemoryStore) Close() {
	m.states.Close()
	m.refs.Close()
}

var _ port.SessionStore = (*MemoryStore)(nil)
