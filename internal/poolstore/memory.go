package poolstore

import (
	"context"
	"slices"
	"strconv"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// tenantPool is one tenant's membership. Every read and write of idle/busy
// happens under mu, which gives TakeIdle the same atomicity SPOP has.
type tenantPool struct {
	mu   sync.Mutex
	idle []string
	busy map[string]struct{}
}

func (p *tenantPool) removeIdleLocked(name string) bool {
	i := slices.Index(p.idle, name)
	if i < 0 {
		return false
	}
	p.idle = slices.Delete(p.idle, i, i+1)
	return true
}

// MemoryStore is the in-process fallback used when Redis is unreachable.
// State is lost on restart and invisible to other processes.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*tenantPool

	recMu   sync.RWMutex
	records map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*tenantPool),
		records: make(map[string]map[string]string),
	}
}

func (s *MemoryStore) pool(tenantID string) *tenantPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tenants[tenantID]
	if !ok {
		p = &tenantPool{busy: make(map[string]struct{})}
		s.tenants[tenantID] = p
	}
	return p
}

func (s *MemoryStore) AddIdle(ctx context.Context, tenantID, name string) error {
	p := s.pool(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.busy, name)
	if !slices.Contains(p.idle, name) {
		p.idle = append(p.idle, name)
	}
	return nil
}

// TakeIdle pops the most recently idled container, which is the warmest.
func (s *MemoryStore) TakeIdle(ctx context.Context, tenantID string) (string, bool, error) {
	p := s.pool(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return "", false, nil
	}
	idx := len(p.idle) - 1
	name := p.idle[idx]
	p.idle = p.idle[:idx]
	return name, true, nil
}

func (s *MemoryStore) MarkBusy(ctx context.Context, tenantID, name string) error {
	p := s.pool(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeIdleLocked(name)
	p.busy[name] = struct{}{}
	return nil
}

func (s *MemoryStore) ReleaseToIdle(ctx context.Context, tenantID, name string, maxIdle int) (bool, error) {
	p := s.pool(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if maxIdle > 0 && len(p.idle) >= maxIdle {
		return false, nil
	}
	delete(p.busy, name)
	if !slices.Contains(p.idle, name) {
		p.idle = append(p.idle, name)
	}
	return true, nil
}

func (s *MemoryStore) RemoveIdle(ctx context.Context, tenantID, name string) (bool, error) {
	p := s.pool(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeIdleLocked(name), nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, name string) (*Record, error) {
	s.recMu.RLock()
	defer s.recMu.RUnlock()
	m, ok := s.records[name]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return recordFromHash(name, m), nil
}

func (s *MemoryStore) PutRecord(ctx context.Context, rec *Record) error {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	m, ok := s.records[rec.Name]
	if !ok {
		m = make(map[string]string)
		s.records[rec.Name] = m
	}
	for k, v := range rec.hash() {
		m[k] = v
	}
	return nil
}

func (s *MemoryStore) SetField(ctx context.Context, name, field, value string) error {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	m, ok := s.records[name]
	if !ok {
		m = make(map[string]string)
		s.records[name] = m
	}
	m[field] = value
	return nil
}

func (s *MemoryStore) IncrReuse(ctx context.Context, name string) (int, error) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	m, ok := s.records[name]
	if !ok {
		m = make(map[string]string)
		s.records[name] = m
	}
	n, _ := strconv.Atoi(m[FieldReuseCount])
	n++
	m[FieldReuseCount] = strconv.Itoa(n)
	return n, nil
}

func (s *MemoryStore) Delete(ctx context.Context, tenantID, name string) error {
	p := s.pool(tenantID)
	p.mu.Lock()
	p.removeIdleLocked(name)
	delete(p.busy, name)
	p.mu.Unlock()

	s.recMu.Lock()
	delete(s.records, name)
	s.recMu.Unlock()
	return nil
}

func (s *MemoryStore) ListIdle(ctx context.Context, tenantID string) ([]string, error) {
	p := s.pool(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.idle), nil
}

func (s *MemoryStore) ListBusy(ctx context.Context, tenantID string) ([]string, error) {
	p := s.pool(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.busy))
	for name := range p.busy {
		out = append(out, name)
	}
	return out, nil
}

func (s *MemoryStore) IdleCount(ctx context.Context, tenantID string) (int, error) {
	p := s.pool(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), nil
}

func (s *MemoryStore) TenantsWithIdle(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	pools := make(map[string]*tenantPool, len(s.tenants))
	for id, p := range s.tenants {
		pools[id] = p
	}
	s.mu.Unlock()

	var out []string
	for id, p := range pools {
		p.mu.Lock()
		if len(p.idle) > 0 {
			out = append(out, id)
		}
		p.mu.Unlock()
	}
	return out, nil
}
