package ban

import (
	"errors"
	"testing"
	"time"
)

const hour = int64(time.Hour / time.Millisecond)

func TestPermanentBan(t *testing.T) {
	s := NewSystem()
	now := int64(1_000_000)

	rec := s.Apply("peer-a", "COLLUSION", "mod-1", 0, now)
	if !rec.Permanent || rec.ExpiresAt != 0 {
		t.Fatalf("record = %+v, want permanent with no expiry", rec)
	}
	if rec.AppealDeadline != now+7*24*hour {
		t.Fatalf("appeal deadline = %d", rec.AppealDeadline)
	}

	// Permanent bans never lapse.
	if !s.IsBanned("peer-a", now+365*24*hour) {
		t.Fatalf("permanent ban expired")
	}
	if err := s.Reduce("peer-a", now); !errors.Is(err, ErrCannotReduce) {
		t.Fatalf("reduce on permanent ban err = %v, want ErrCannotReduce", err)
	}
}

func TestBanIDDerivation(t *testing.T) {
	s := NewSystem()
	now := int64(1_000_000)

	rec := s.Apply("peer-a", "SPAM", "mod-1", 24*time.Hour, now)
	// sha256("peer-a" + "1000000"); appeals reference bans by this id.
	want := "2439fd9f2531374f96f78805b5ac0f05aa9404813b55c0558658c8f8d090750d"
	if rec.ID != want {
		t.Fatalf("ban id = %s, want %s", rec.ID, want)
	}

	got, ok := s.GetByID(rec.ID)
	if !ok || got.PublicKey != "peer-a" {
		t.Fatalf("GetByID = %+v, ok = %v", got, ok)
	}
	if _, ok := s.GetByID("missing"); ok {
		t.Fatalf("GetByID matched a bogus id")
	}
}

func TestTemporaryBanLazyExpiry(t *testing.T) {
	s := NewSystem()
	now := int64(1_000_000)

	rec := s.Apply("peer-a", "SPAM", "mod-1", 24*time.Hour, now)
	if rec.ExpiresAt != now+24*hour {
		t.Fatalf("expiresAt = %d", rec.ExpiresAt)
	}
	if rec.AppealDeadline != rec.ExpiresAt-7*24*hour {
		t.Fatalf("appeal deadline = %d", rec.AppealDeadline)
	}

	if !s.IsBanned("peer-a", now+23*hour) {
		t.Fatalf("ban lapsed early")
	}
	if s.IsBanned("peer-a", now+25*hour) {
		t.Fatalf("expired ban still active")
	}
	// The expired record was evicted by the lookup.
	if _, ok := s.Get("peer-a"); ok {
		t.Fatalf("expired record not evicted")
	}
}

func TestReduceHalvesRemaining(t *testing.T) {
	s := NewSystem()
	now := int64(1_000_000)

	s.Apply("peer-a", "SPAM", "mod-1", 24*time.Hour, now)
	if err := s.Reduce("peer-a", now+12*hour); err != nil {
		t.Fatalf("reduce: %v", err)
	}

	rec, _ := s.Get("peer-a")
	if rec.ExpiresAt != now+18*hour { // 12h elapsed + 12h/2 remaining
		t.Fatalf("expiresAt after reduce = %d, want %d", rec.ExpiresAt, now+18*hour)
	}

	if err := s.Reduce("ghost", now); !errors.Is(err, ErrNotBanned) {
		t.Fatalf("reduce on unbanned err = %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	s := NewSystem()
	now := int64(1_000_000)

	s.Apply("a", "SPAM", "mod", time.Hour, now)
	s.Apply("b", "SPAM", "mod", 48*time.Hour, now)
	s.Apply("c", "COLLUSION", "mod", 0, now)

	if n := s.CleanupExpired(now + 2*hour); n != 1 {
		t.Fatalf("cleaned %d, want 1", n)
	}
	if s.Size() != 2 {
		t.Fatalf("size = %d, want 2", s.Size())
	}

	st := s.Stats()
	if st.Total != 2 || st.Permanent != 1 || st.Temporary != 1 {
		t.Fatalf("stats = %+v", st)
	}
}
