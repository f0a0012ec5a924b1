package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ChatCore/module/chat/model"
	"ChatCore/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter() (*Adapter, *MemStore) {
	mem := NewMemStore()
	return NewAdapter(mem, Options{Timeout: 200 * time.Millisecond, MaxRetry: 3}), mem
}

func TestCreateMessageIdempotentByClientID(t *testing.T) {
	ctx := context.Background()
	ad, _ := newTestAdapter()

	d := &model.Draft{ClientID: "cid-1", SenderID: 1, RecipientID: 2, Content: "hi"}
	m1, existed, err := ad.CreateMessage(ctx, d)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, model.StatusSent, m1.Status)

	m2, existed, err := ad.CreateMessage(ctx, &model.Draft{ClientID: "cid-1", SenderID: 1, RecipientID: 2, Content: "hi"})
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, m1.ID, m2.ID)

	// 不同发送者可复用同一个 clientId
	m3, existed, err := ad.CreateMessage(ctx, &model.Draft{ClientID: "cid-1", SenderID: 2, RecipientID: 1, Content: "yo"})
	require.NoError(t, err)
	assert.False(t, existed)
	assert.NotEqual(t, m1.ID, m3.ID)
}

func TestCreateMessageConcurrentRetriesSingleRow(t *testing.T) {
	ctx := context.Background()
	ad, mem := newTestAdapter()

	var wg sync.WaitGroup
	ids := make(chan int64, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, _, err := ad.CreateMessage(ctx, &model.Draft{ClientID: "same", SenderID: 5, RecipientID: 6, Content: "x"})
			if assert.NoError(t, err) {
				ids <- m.ID
			}
		}()
	}
	wg.Wait()
	close(ids)
	first := int64(0)
	for id := range ids {
		if first == 0 {
			first = id
		}
		assert.Equal(t, first, id)
	}
	assert.Len(t, mem.msgs, 1)
}

func TestPersistenceOrderPerConversation(t *testing.T) {
	ctx := context.Background()
	ad, _ := newTestAdapter()
	var last int64
	for i := 0; i < 20; i++ {
		m, _, err := ad.CreateMessage(ctx, &model.Draft{SenderID: 1, RecipientID: 2, Content: "n"})
		require.NoError(t, err)
		assert.Greater(t, m.ID, last)
		last = m.ID
	}
}

func TestTransientErrorRetried(t *testing.T) {
	ctx := context.Background()
	ad, mem := newTestAdapter()
	mem.FailNext = ErrTransientForTest()

	m, _, err := ad.CreateMessage(ctx, &model.Draft{SenderID: 1, RecipientID: 2, Content: "retry"})
	require.NoError(t, err)
	assert.NotZero(t, m.ID)
}

func TestPermanentErrorIsPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	ad, mem := newTestAdapter()
	mem.FailNext = errors.New("disk full")

	_, _, err := ad.CreateMessage(ctx, &model.Draft{SenderID: 1, RecipientID: 2, Content: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrPersistence))
}

type slowStore struct {
	*MemStore
	delay time.Duration
}

func (s *slowStore) InsertMessage(ctx context.Context, d *model.Draft) (*model.Message, error) {
	select {
	case <-time.After(s.delay):
		return s.MemStore.InsertMessage(ctx, d)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestTimeoutIsPersistenceFailure(t *testing.T) {
	s := &slowStore{MemStore: NewMemStore(), delay: time.Second}
	ad := NewAdapter(s, Options{Timeout: 30 * time.Millisecond})

	_, _, err := ad.CreateMessage(context.Background(), &model.Draft{SenderID: 1, RecipientID: 2, Content: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrPersistence))
}

func TestAttachFiles(t *testing.T) {
	ctx := context.Background()
	ad, mem := newTestAdapter()
	a1 := &model.Attachment{UploaderID: 1, FileName: "a.png", MimeType: "image/png", Size: 10, Path: "tmp/a.png", Temporary: true}
	a2 := &model.Attachment{UploaderID: 1, FileName: "b.pdf", MimeType: "application/pdf", Size: 20, Path: "tmp/b.pdf", Temporary: true}
	require.NoError(t, mem.CreateAttachment(ctx, a1))
	require.NoError(t, mem.CreateAttachment(ctx, a2))

	m, _, err := ad.CreateMessage(ctx, &model.Draft{SenderID: 1, RecipientID: 2})
	require.NoError(t, err)

	atts, err := ad.AttachFiles(ctx, m.ID, 1, []int64{a2.ID, a1.ID})
	require.NoError(t, err)
	require.Len(t, atts, 2)
	assert.Equal(t, "b.pdf", atts[0].FileName, "order follows request")

	// 重试幂等
	_, err = ad.AttachFiles(ctx, m.ID, 1, []int64{a2.ID, a1.ID})
	require.NoError(t, err)

	// 别人的附件不能挂
	a3 := &model.Attachment{UploaderID: 9, FileName: "c", Temporary: true}
	require.NoError(t, mem.CreateAttachment(ctx, a3))
	_, err = ad.AttachFiles(ctx, m.ID, 1, []int64{a3.ID})
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := ad.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, got.Attachments, 2)
}

func TestCheckAttachments(t *testing.T) {
	ctx := context.Background()
	ad, mem := newTestAdapter()
	own := &model.Attachment{UploaderID: 1, FileName: "a.png", Temporary: true}
	other := &model.Attachment{UploaderID: 9, FileName: "b.png", Temporary: true}
	require.NoError(t, mem.CreateAttachment(ctx, own))
	require.NoError(t, mem.CreateAttachment(ctx, other))

	assert.NoError(t, ad.CheckAttachments(ctx, 1, "c1", nil))
	assert.NoError(t, ad.CheckAttachments(ctx, 1, "c1", []int64{own.ID}))
	assert.ErrorIs(t, ad.CheckAttachments(ctx, 1, "c1", []int64{own.ID, 999}), ErrNotFound)
	assert.ErrorIs(t, ad.CheckAttachments(ctx, 1, "c1", []int64{other.ID}), ErrNotFound)

	m, _, err := ad.CreateMessage(ctx, &model.Draft{ClientID: "c1", SenderID: 1, RecipientID: 2})
	require.NoError(t, err)
	_, err = ad.AttachFiles(ctx, m.ID, 1, []int64{own.ID})
	require.NoError(t, err)

	// 同一 clientId 重试可以复用，换一条消息不行
	assert.NoError(t, ad.CheckAttachments(ctx, 1, "c1", []int64{own.ID}))
	assert.ErrorIs(t, ad.CheckAttachments(ctx, 1, "c2", []int64{own.ID}), ErrNotFound)
}

func TestBacklogUndelivered(t *testing.T) {
	ctx := context.Background()
	ad, mem := newTestAdapter()
	mem.PutGroup(model.Group{ID: 100, Name: "g"}, 1, 2, 3)
	joined := time.Now()
	mem.AddMember(100, 4, joined)

	p1, _, _ := ad.CreateMessage(ctx, &model.Draft{SenderID: 1, RecipientID: 3, Content: "p1"})
	p2, _, _ := ad.CreateMessage(ctx, &model.Draft{SenderID: 2, RecipientID: 3, Content: "p2"})
	g1, _, _ := ad.CreateMessage(ctx, &model.Draft{SenderID: 1, GroupID: 100, Content: "g1", CreatedAt: joined.Add(-time.Minute)})
	g2, _, _ := ad.CreateMessage(ctx, &model.Draft{SenderID: 3, GroupID: 100, Content: "own", CreatedAt: joined.Add(-2 * time.Minute)})
	g3, _, _ := ad.CreateMessage(ctx, &model.Draft{SenderID: 2, GroupID: 100, Content: "g3", CreatedAt: joined.Add(time.Minute)})

	_, _, err := ad.MarkDelivered(ctx, p2.ID)
	require.NoError(t, err)

	backlog, err := ad.BacklogUndelivered(ctx, 3)
	require.NoError(t, err)
	var got []int64
	for _, m := range backlog {
		got = append(got, m.ID)
	}
	assert.Equal(t, []int64{p1.ID, g1.ID, g3.ID}, got)
	assert.NotContains(t, got, g2.ID)

	_, err = ad.RecordGroupDelivery(ctx, g1.ID, 3)
	require.NoError(t, err)
	backlog, err = ad.BacklogUndelivered(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, backlog, 2)

	// 新成员只补入群后的消息
	backlog, err = ad.BacklogUndelivered(ctx, 4)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, g3.ID, backlog[0].ID)
}

type fakeIndex struct {
	mu sync.Mutex
	m  map[string]int64
}

func (f *fakeIndex) Lookup(_ context.Context, sender int64, cid string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.m[keyCID(sender, cid)]
	return id, ok, nil
}

func (f *fakeIndex) Remember(_ context.Context, sender int64, cid string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[keyCID(sender, cid)] = id
	return nil
}

func TestClientIndexFastPath(t *testing.T) {
	ctx := context.Background()
	idx := &fakeIndex{m: map[string]int64{}}
	ad := NewAdapter(NewMemStore(), Options{Index: idx})

	m, _, err := ad.CreateMessage(ctx, &model.Draft{ClientID: "k", SenderID: 1, RecipientID: 2, Content: "a"})
	require.NoError(t, err)
	id, ok, _ := idx.Lookup(ctx, 1, "k")
	require.True(t, ok)
	assert.Equal(t, m.ID, id)

	again, existed, err := ad.CreateMessage(ctx, &model.Draft{ClientID: "k", SenderID: 1, RecipientID: 2, Content: "a"})
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, m.ID, again.ID)
}
