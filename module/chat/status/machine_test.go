package status_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"ChatCore/module/chat/model"
	"ChatCore/module/chat/status"
	"ChatCore/module/chat/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMachine(t *testing.T) (*status.Machine, *store.MemStore, *store.Adapter) {
	t.Helper()
	mem := store.NewMemStore()
	ad := store.NewAdapter(mem, store.Options{Timeout: time.Second})
	return status.NewMachine(ad, nil), mem, ad
}

func TestPrivateDuplicateReadIsNoop(t *testing.T) {
	ctx := context.Background()
	m, _, ad := newMachine(t)
	msg, _, err := ad.CreateMessage(ctx, &model.Draft{ClientID: "c1", SenderID: 1, RecipientID: 2, Content: "hi"})
	require.NoError(t, err)

	tr, err := m.Read(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, tr.Changed)
	firstReadAt := *tr.Message.ReadAt

	tr, err = m.Read(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, tr.Changed)
	assert.Equal(t, firstReadAt, *tr.Message.ReadAt)

	tr, err = m.Delivered(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, tr.Changed, "delivered after read must not regress")
	assert.Equal(t, model.StatusRead, tr.Message.Status)
}

func TestConcurrentDeliveredAndReadRace(t *testing.T) {
	ctx := context.Background()
	m, _, ad := newMachine(t)
	for i := 0; i < 50; i++ {
		msg, _, err := ad.CreateMessage(ctx, &model.Draft{SenderID: 1, RecipientID: 2, Content: "x"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		changes := make(chan bool, 4)
		for _, f := range []func(context.Context, int64) (status.Transition, error){m.Delivered, m.Read, m.Delivered, m.Read} {
			wg.Add(1)
			go func(f func(context.Context, int64) (status.Transition, error)) {
				defer wg.Done()
				tr, err := f(ctx, msg.ID)
				assert.NoError(t, err)
				changes <- tr.Changed
			}(f)
		}
		wg.Wait()
		close(changes)

		got, err := ad.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRead, got.Status)
		n := 0
		for c := range changes {
			if c {
				n++
			}
		}
		assert.LessOrEqual(t, n, 2)
		assert.GreaterOrEqual(t, n, 1)
	}
}

func TestGroupDeliveryIdempotent(t *testing.T) {
	ctx := context.Background()
	m, mem, ad := newMachine(t)
	mem.PutGroup(model.Group{ID: 10, Name: "g"}, 1, 2, 3)
	msg, _, err := ad.CreateMessage(ctx, &model.Draft{SenderID: 1, GroupID: 10, Content: "hey"})
	require.NoError(t, err)

	ok, err := m.GroupDelivered(ctx, msg.ID, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.GroupDelivered(ctx, msg.ID, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, mem.DeliveryCount(msg.ID))
}

func TestGroupStatusAggregate(t *testing.T) {
	ctx := context.Background()
	m, mem, ad := newMachine(t)
	mem.PutGroup(model.Group{ID: 10, Name: "g"}, 1, 2, 3)
	msg, _, err := ad.CreateMessage(ctx, &model.Draft{SenderID: 1, GroupID: 10, Content: "hey", CreatedAt: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	st, err := m.GroupStatus(ctx, msg, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, st)

	_, err = m.GroupDelivered(ctx, msg.ID, 2)
	require.NoError(t, err)
	st, err = m.GroupStatus(ctx, msg, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, st, "sender's own membership does not count")

	// 3 未送达但已读：已读蕴含送达
	_, _, _, err = m.GroupRead(ctx, 10, 3, time.Time{})
	require.NoError(t, err)
	st, err = m.GroupStatus(ctx, msg, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, st)

	_, _, _, err = m.GroupRead(ctx, 10, 2, time.Time{})
	require.NoError(t, err)
	st, err = m.GroupStatus(ctx, msg, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, st)
}

func TestGroupReadWatermarkOnlyAdvances(t *testing.T) {
	ctx := context.Background()
	m, mem, _ := newMachine(t)
	mem.PutGroup(model.Group{ID: 10, Name: "g"}, 1, 2)

	t1 := time.Now().Add(-time.Hour)
	ok, at, prev, err := m.GroupRead(ctx, 10, 2, t1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, prev)
	assert.Equal(t, t1, at)

	ok, _, prev, err = m.GroupRead(ctx, 10, 2, t1.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	require.NotNil(t, prev)
	assert.Equal(t, t1, *prev)

	// 未来时间被钳到 now
	ok, at, _, err = m.GroupRead(ctx, 10, 2, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, at.After(time.Now()))
}
