package loginflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL はログインフローの既定の有効期間。
const DefaultTTL = 10 * time.Minute

// FlowStore は進行中のログインフローをメモリ上に保持する。
// 資格情報を含むため永続化はしない。
type FlowStore struct {
	mu    sync.Mutex
	flows map[string]*Flow
	ttl   time.Duration
	now   func() time.Time
}

// NewFlowStore はFlowStoreを生成する。ttlが0以下の場合はDefaultTTLを使う。
func NewFlowStore(ttl time.Duration) *FlowStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &FlowStore{
		flows: make(map[string]*Flow),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Create は資格情報ステップから始まる新しいフローを作成する。
func (s *FlowStore) Create() *Flow {
	f := newFlow(uuid.New().String(), s.now().Add(s.ttl))

	s.mu.Lock()
	s.flows[f.id] = f
	s.mu.Unlock()
	return f
}

// Get は有効なフローを返す。存在しない・期限切れの場合はnilを返し、期限切れのフローは破棄する。
func (s *FlowStore) Get(id string) *Flow {
	if id == "" {
		return nil
	}

	s.mu.Lock()
	f, ok := s.flows[id]
	if ok && f.expired(s.now()) {
		delete(s.flows, id)
		s.mu.Unlock()
		f.discard()
		return nil
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return f
}

// Discard はフローを破棄する。送信中の結果は適用されなくなる。
func (s *FlowStore) Discard(id string) {
	s.mu.Lock()
	f, ok := s.flows[id]
	delete(s.flows, id)
	s.mu.Unlock()

	if ok {
		f.discard()
	}
}

// Sweep は期限切れのフローをすべて破棄し、破棄した件数を返す。
func (s *FlowStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	var expired []*Flow
	for id, f := range s.flows {
		if f.expired(now) {
			delete(s.flows, id)
			expired = append(expired, f)
		}
	}
	s.mu.Unlock()

	for _, f := range expired {
		f.discard()
	}
	return len(expired)
}

// Len は保持しているフローの数を返す。
func (s *FlowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}
