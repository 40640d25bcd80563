package loginflow

import (
	"testing"
	"time"
)

func TestNewFlowStore_DefaultTTL(t *testing.T) {
	s := NewFlowStore(0)
	if s.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", s.ttl, DefaultTTL)
	}
}

func TestFlowStore_CreateAndGet(t *testing.T) {
	s := NewFlowStore(time.Minute)

	f := s.Create()
	if f.ID() == "" {
		t.Fatal("フローIDが空")
	}
	if got := s.Get(f.ID()); got != f {
		t.Error("作成したフローが取得できない")
	}
	if s.Get("") != nil || s.Get("unknown") != nil {
		t.Error("存在しないIDにはnilを返すべき")
	}
}

func TestFlowStore_GetExpired(t *testing.T) {
	s := NewFlowStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	f := s.Create()
	f.SubmitCredentials("user@co.com", "validpass", "ACME")

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	if s.Get(f.ID()) != nil {
		t.Error("期限切れのフローはnilを返すべき")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
	if f.View().HasPassword {
		t.Error("期限切れのフローは資格情報を消去すべき")
	}
}

func TestFlowStore_Sweep(t *testing.T) {
	s := NewFlowStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Create()
	s.Create()
	s.now = func() time.Time { return now.Add(30 * time.Second) }
	live := s.Create()

	s.now = func() time.Time { return now.Add(70 * time.Second) }
	if n := s.Sweep(); n != 2 {
		t.Errorf("Sweep = %d, want 2", n)
	}
	if s.Get(live.ID()) == nil {
		t.Error("有効なフローが破棄された")
	}
}

func TestFlowStore_Discard(t *testing.T) {
	s := NewFlowStore(time.Minute)
	f := s.Create()

	s.Discard(f.ID())
	s.Discard(f.ID())

	if s.Get(f.ID()) != nil {
		t.Error("破棄したフローが取得できてしまう")
	}
	if err := f.SubmitCredentials("user@co.com", "validpass", "ACME"); err != ErrFlowDiscarded {
		t.Errorf("err = %v, want ErrFlowDiscarded", err)
	}
}
