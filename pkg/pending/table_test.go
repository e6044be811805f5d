package pending

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voice_bridge/pkg/callerr"
)

func TestRegisterDuplicateFailsImmediately(t *testing.T) {
	table := New[string]()

	h, err := table.Register("s1", KindAccept)
	require.NoError(t, err)
	require.NotNil(t, h)

	dup, err := table.Register("s1", KindAccept)
	assert.Nil(t, dup)
	require.Error(t, err)
	ce, ok := callerr.As(err)
	require.True(t, ok)
	assert.Equal(t, callerr.KindInvalidState, ce.Kind)
	assert.Equal(t, callerr.CodeOperationInProgress, ce.Code)
	assert.Equal(t, 1, table.Outstanding(), "повторная регистрация не должна менять таблицу")

	// Другой тип операции для той же сессии допустим
	_, err = table.Register("s1", KindReject)
	assert.NoError(t, err)
	assert.Equal(t, 2, table.Outstanding())
}

func TestRegisterEmptySession(t *testing.T) {
	table := New[int]()
	_, err := table.Register("", KindConnect)
	assert.True(t, callerr.IsKind(err, callerr.KindInvalidArgument))
}

func TestResolveExactlyOnce(t *testing.T) {
	table := New[string]()
	h, err := table.Register("s1", KindConnect)
	require.NoError(t, err)

	require.NoError(t, table.Resolve(h, "ok"))
	assert.ErrorIs(t, table.Resolve(h, "again"), ErrAlreadySettled)
	assert.ErrorIs(t, table.Fail(h, errors.New("late")), ErrAlreadySettled)

	v, err := h.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.False(t, table.Has("s1", KindConnect))

	// После разрешения пару можно зарегистрировать заново
	_, err = table.Register("s1", KindConnect)
	assert.NoError(t, err)
}

func TestFailSessionFlushesOnlyThatSession(t *testing.T) {
	table := New[string]()
	a, _ := table.Register("s1", KindAccept)
	r, _ := table.Register("s1", KindReject)
	other, _ := table.Register("s2", KindAccept)

	gone := callerr.Gone("s1")
	assert.Equal(t, 2, table.FailSession("s1", gone))
	assert.Equal(t, 0, table.FailSession("s1", gone), "повторный сброс не находит операций")

	for _, h := range []*Handle[string]{a, r} {
		_, err := h.Wait(context.Background())
		assert.ErrorIs(t, err, gone)
	}
	assert.True(t, table.Has("s2", KindAccept))
	assert.ErrorIs(t, table.Resolve(a, "x"), ErrAlreadySettled)
	assert.NoError(t, table.Resolve(other, "x"))
}

func TestFailAll(t *testing.T) {
	var last atomic.Int64
	table := New[int](WithObserver(func(n int) { last.Store(int64(n)) }))

	for _, id := range []string{"a", "b", "c"} {
		_, err := table.Register(id, KindConnect)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), last.Load())

	stopped := callerr.New(callerr.KindInvalidState, callerr.CodeOrchestratorStopped, "остановлен")
	assert.Equal(t, 3, table.FailAll(stopped))
	assert.Equal(t, 0, table.Outstanding())
	assert.Equal(t, int64(0), last.Load())
}

func TestWaitHonoursContext(t *testing.T) {
	table := New[int]()
	h, _ := table.Register("s1", KindAccept)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, table.Has("s1", KindAccept), "таймаут ожидания не отменяет операцию")
}

func TestConcurrentSettleObservedOnce(t *testing.T) {
	table := New[int]()

	for i := 0; i < 50; i++ {
		h, err := table.Register("s", KindAccept)
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				var err error
				if j%2 == 0 {
					err = table.Resolve(h, j)
				} else {
					err = table.Fail(h, errors.New("fail"))
				}
				if err == nil {
					wins.Add(1)
				}
			}(j)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load(), "операция должна быть разрешена ровно один раз")
	}
}
