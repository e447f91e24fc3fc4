package credential

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInsertMergesSameSubject(t *testing.T) {
	s := NewSet()
	t0 := time.Now()
	t1 := t0.Add(time.Minute)

	s.Insert(Credential{Shared: true, Valid: true, Kind: "password", Subject: "alice", IssuedAt: t0})
	s.Insert(Credential{Shared: true, Valid: true, Kind: "password", Subject: "alice", IssuedAt: t1})

	assert.Equal(t, 1, s.Len())
	snap := s.Snapshot()
	assert.Equal(t, t1, snap[0].IssuedAt)
}

func TestInsertDistinctSubjectsDoNotMerge(t *testing.T) {
	s := NewSet()
	s.Insert(Credential{Kind: "password", Subject: "alice"})
	s.Insert(Credential{Kind: "password", Subject: "bob"})

	assert.Equal(t, 2, s.Len())
}

func TestSnapshotIsOrderedBySubject(t *testing.T) {
	s := NewSet()
	s.Insert(Credential{Kind: "password", Subject: "carol"})
	s.Insert(Credential{Kind: "password", Subject: "alice"})
	s.Insert(Credential{Kind: "password", Subject: "bob"})

	snap := s.Snapshot()
	assert.Equal(t, []string{"alice", "bob", "carol"}, []string{snap[0].Subject, snap[1].Subject, snap[2].Subject})
}

func TestInvalidateMarksWithoutRemoving(t *testing.T) {
	s := NewSet()
	s.Insert(Credential{Kind: "password", Subject: "alice", Valid: true})

	s.Invalidate("password", "alice")

	assert.Equal(t, 1, s.Len())
	assert.False(t, s.Snapshot()[0].Valid)
}

func TestInvalidateAllMarksEverything(t *testing.T) {
	s := NewSet()
	s.Insert(Credential{Kind: "password", Subject: "alice", Valid: true})
	s.Insert(Credential{Kind: "smartcard", Subject: "bob", Valid: true})

	s.InvalidateAll()

	for _, c := range s.Snapshot() {
		assert.False(t, c.Valid)
	}
}

func TestHasValidCredential(t *testing.T) {
	s := NewSet()
	s.Insert(Credential{Kind: "password", Subject: "alice", Valid: true})
	s.Insert(Credential{Kind: "smartcard", Subject: "alice", Valid: false})

	assert.True(t, s.HasValidCredential("password"))
	assert.False(t, s.HasValidCredential("smartcard"))
	assert.False(t, s.HasValidCredential("nonexistent"))
}

func TestMergeOnlyRefreshesWhenBothSharedAndValid(t *testing.T) {
	t0 := time.Now()
	t1 := t0.Add(time.Hour)

	c := Credential{Shared: false, Valid: true, Kind: "k", Subject: "s", IssuedAt: t0}
	other := Credential{Shared: true, Valid: true, Kind: "k", Subject: "s", IssuedAt: t1}

	merged := c.Merge(other)
	assert.Equal(t, t0, merged.IssuedAt, "private credential should not be refreshed by a shared one")
}
