package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/voice_bridge/pkg/provider"
)

type RegistryTestSuite struct {
	suite.Suite
	registry *Registry
}

func (s *RegistryTestSuite) SetupTest() {
	s.registry = NewRegistry()
}

func (s *RegistryTestSuite) TestFindByEitherKey() {
	rec := NewIncoming(provider.Invite{CallSID: "CA1"})
	s.Require().NoError(s.registry.Upsert(rec))

	got, ok := s.registry.Find(ByID(rec.ID()))
	s.True(ok)
	s.Same(rec, got)

	got, ok = s.registry.Find(ByCallSID("CA1"))
	s.True(ok)
	s.Same(rec, got)

	_, ok = s.registry.Find(Key{})
	s.False(ok, "пустой ключ ничего не находит")
	_, ok = s.registry.Find(ByID("missing"))
	s.False(ok)
}

func (s *RegistryTestSuite) TestSessionIDTakesPrecedence() {
	a := NewIncoming(provider.Invite{CallSID: "CA1"})
	b := NewIncoming(provider.Invite{CallSID: "CA2"})
	s.Require().NoError(s.registry.Upsert(a))
	s.Require().NoError(s.registry.Upsert(b))

	got, ok := s.registry.Find(Key{SessionID: b.ID(), CallSID: "CA1"})
	s.True(ok)
	s.Same(b, got)
}

func (s *RegistryTestSuite) TestConflictingCallSIDRejected() {
	a := NewIncoming(provider.Invite{CallSID: "CA1"})
	b := NewIncoming(provider.Invite{CallSID: "CA1"})
	s.Require().NoError(s.registry.Upsert(a))

	err := s.registry.Upsert(b)
	s.ErrorIs(err, ErrCallSIDConflict)
	s.Equal(1, s.registry.Len())

	got, _ := s.registry.Find(ByCallSID("CA1"))
	s.Same(a, got)
}

func (s *RegistryTestSuite) TestLateCallSIDIsIndexed() {
	rec := NewOutgoing("", "alice", nil)
	s.Require().NoError(s.registry.Upsert(rec))
	_, ok := s.registry.Find(ByCallSID("CA9"))
	s.False(ok)

	s.Require().NoError(rec.SetCallSID("CA9"))
	s.Require().NoError(s.registry.Upsert(rec))

	got, ok := s.registry.Find(ByCallSID("CA9"))
	s.True(ok)
	s.Same(rec, got)
	s.Error(rec.SetCallSID("CA10"), "назначенный CallSID не меняется")
}

func (s *RegistryTestSuite) TestRemove() {
	rec := NewIncoming(provider.Invite{CallSID: "CA1"})
	s.Require().NoError(s.registry.Upsert(rec))

	removed, ok := s.registry.Remove(ByCallSID("CA1"))
	s.True(ok)
	s.Same(rec, removed)
	s.Equal(0, s.registry.Len())

	_, ok = s.registry.Find(ByID(rec.ID()))
	s.False(ok)
	_, ok = s.registry.Remove(ByID(rec.ID()))
	s.False(ok, "удаление отсутствующей записи не является ошибкой")

	// CallSID освобожден и может быть занят новой сессией
	s.NoError(s.registry.Upsert(NewIncoming(provider.Invite{CallSID: "CA1"})))
}

func (s *RegistryTestSuite) TestListOrderedByCreation() {
	first := NewOutgoing("", "a", nil)
	second := NewOutgoing("", "b", nil)
	s.Require().NoError(s.registry.Upsert(second))
	s.Require().NoError(s.registry.Upsert(first))

	list := s.registry.List()
	s.Require().Len(list, 2)
	s.False(list[1].CreatedAt().Before(list[0].CreatedAt()))
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func TestRegistryConcurrentReaders(t *testing.T) {
	registry := NewRegistry()
	rec := NewIncoming(provider.Invite{CallSID: "CA1"})
	require.NoError(t, registry.Upsert(rec))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, ok := registry.Find(ByCallSID("CA1"))
				assert.True(t, ok)
				_ = registry.List()
			}
		}()
	}
	wg.Wait()
}
