package private_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ChatCore/module/chat/model"
	"ChatCore/module/chat/private"
	"ChatCore/module/chat/status"
	"ChatCore/module/chat/store"
	"ChatCore/service/chat"
	"ChatCore/service/push"
	"ChatCore/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// drain 收集会话在 wait 内收到的所有帧
func drain(t *testing.T, s *chat.Session, wait time.Duration) []frame {
	t.Helper()
	var out []frame
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case b := <-s.Outbound():
			var f frame
			require.NoError(t, json.Unmarshal(b, &f))
			out = append(out, f)
		case <-timer.C:
			return out
		}
	}
}

func ofType(fs []frame, typ string) []frame {
	var out []frame
	for _, f := range fs {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

type recNotifier struct {
	mu    sync.Mutex
	notes map[int64][]*push.Notification
}

func (r *recNotifier) Notify(_ context.Context, uid int64, n *push.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes[uid] = append(r.notes[uid], n)
	return nil
}

func (r *recNotifier) count(uid int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes[uid])
}

type env struct {
	mem  *store.MemStore
	ad   *store.Adapter
	reg  *chat.Registry
	ch   *private.Channel
	push *recNotifier
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mem := store.NewMemStore()
	mem.PutUser(model.User{ID: 1, Username: "alice", DisplayName: "Alice"})
	mem.PutUser(model.User{ID: 2, Username: "bob", PushToken: "tok-bob"})
	mem.PutUser(model.User{ID: 3, Username: "carol"})
	ad := store.NewAdapter(mem, store.Options{Timeout: time.Second})
	reg := chat.NewRegistry(chat.RegistryConf{})
	t.Cleanup(reg.Close)
	nt := &recNotifier{notes: map[int64][]*push.Notification{}}
	ch := private.NewChannel(ad, status.NewMachine(ad, nil), reg, nt)
	return &env{mem: mem, ad: ad, reg: reg, ch: ch, push: nt}
}

func (e *env) online(uid int64) *chat.Session {
	s := e.reg.NewSession(uid)
	e.reg.Register(s)
	return s
}

func TestSendToOnlineRecipient(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice, bob := e.online(1), e.online(2)

	ack, err := e.ch.Send(ctx, &private.Request{SenderID: 1, RecipientID: 2, Content: "hello", ClientID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, "c-1", ack.ClientID)
	assert.Equal(t, model.StatusSent, ack.Status)

	got := ofType(drain(t, bob, 100*time.Millisecond), chat.EvPrivateMessage)
	require.Len(t, got, 1)
	var pm chat.PrivateMessage
	require.NoError(t, json.Unmarshal(got[0].Data, &pm))
	assert.Equal(t, ack.ServerID, pm.ServerID)
	assert.Equal(t, "c-1", pm.ClientID)
	assert.Equal(t, int64(1), pm.From)
	assert.Equal(t, "hello", pm.Content)

	ups := ofType(drain(t, alice, 200*time.Millisecond), chat.EvDeliveryUpdate)
	require.Len(t, ups, 1)
	var du chat.DeliveryUpdate
	require.NoError(t, json.Unmarshal(ups[0].Data, &du))
	assert.Equal(t, ack.ServerID, du.MessageID)
	assert.Equal(t, "c-1", du.ClientID)
	assert.Equal(t, model.StatusDelivered, du.Status)
	assert.NotNil(t, du.DeliveredAt)

	msg, err := e.ad.GetMessage(ctx, ack.ServerID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, msg.Status)
	assert.Zero(t, e.push.count(2))
}

func TestSendToOfflineRecipientPushes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	ack, err := e.ch.Send(ctx, &private.Request{SenderID: 1, RecipientID: 2, Content: "are you there", ClientID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, ack.Status)

	require.Eventually(t, func() bool { return e.push.count(2) == 1 }, time.Second, 10*time.Millisecond)
	e.push.mu.Lock()
	n := e.push.notes[2][0]
	e.push.mu.Unlock()
	assert.Equal(t, "tok-bob", n.Token)
	assert.Equal(t, "Alice", n.Title)
	assert.Equal(t, "are you there", n.Body)
	assert.Equal(t, "1", n.Data["conversationId"])
	assert.Equal(t, "false", n.Data["isGroup"])
	assert.Equal(t, fmt.Sprint(ack.ServerID), n.Data["messageId"])

	msg, err := e.ad.GetMessage(ctx, ack.ServerID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, msg.Status)
}

func TestRetriedSendDoesNotFanOutAgain(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bob := e.online(2)

	req := &private.Request{SenderID: 1, RecipientID: 2, Content: "once", ClientID: "dup"}
	a1, err := e.ch.Send(ctx, req)
	require.NoError(t, err)
	a2, err := e.ch.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, a1.ServerID, a2.ServerID)
	assert.Equal(t, model.StatusSent, a2.Status)

	assert.Len(t, ofType(drain(t, bob, 100*time.Millisecond), chat.EvPrivateMessage), 1)
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	cases := map[string]*private.Request{
		"no clientId":    {SenderID: 1, RecipientID: 2, Content: "x"},
		"no recipient":   {SenderID: 1, Content: "x", ClientID: "a"},
		"self":           {SenderID: 1, RecipientID: 1, Content: "x", ClientID: "b"},
		"empty":          {SenderID: 1, RecipientID: 2, Content: "  ", ClientID: "c"},
		"unknown target": {SenderID: 1, RecipientID: 99, Content: "x", ClientID: "d"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.ch.Send(ctx, req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrInvalidMessage), err.Error())
		})
	}
}

func TestReplyMustStayInConversation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	other, err := e.ch.Send(ctx, &private.Request{SenderID: 1, RecipientID: 3, Content: "to carol", ClientID: "o"})
	require.NoError(t, err)
	_, err = e.ch.Send(ctx, &private.Request{SenderID: 1, RecipientID: 2, Content: "re", ClientID: "r1", ReplyToID: &other.ServerID})
	assert.True(t, errors.Is(err, errs.ErrInvalidMessage))

	parent, err := e.ch.Send(ctx, &private.Request{SenderID: 2, RecipientID: 1, Content: "q", ClientID: "p"})
	require.NoError(t, err)
	ack, err := e.ch.Send(ctx, &private.Request{SenderID: 1, RecipientID: 2, Content: "a", ClientID: "r2", ReplyToID: &parent.ServerID})
	require.NoError(t, err)
	msg, err := e.ad.GetMessage(ctx, ack.ServerID)
	require.NoError(t, err)
	require.NotNil(t, msg.ReplyToID)
	assert.Equal(t, parent.ServerID, *msg.ReplyToID)
}

func TestSendWithAttachmentsAndForward(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bob := e.online(2)
	att := &model.Attachment{UploaderID: 1, FileName: "cat.png", MimeType: "image/png", Size: 12, Path: "tmp/cat.png", Temporary: true}
	require.NoError(t, e.mem.CreateAttachment(ctx, att))
	orig := int64(3)

	ack, err := e.ch.Send(ctx, &private.Request{SenderID: 1, RecipientID: 2, ClientID: "f", AttachmentIDs: []int64{att.ID}, IsForwarded: true, OriginalSenderID: &orig})
	require.NoError(t, err)

	got := ofType(drain(t, bob, 100*time.Millisecond), chat.EvPrivateMessage)
	require.Len(t, got, 1)
	var pm chat.PrivateMessage
	require.NoError(t, json.Unmarshal(got[0].Data, &pm))
	assert.Equal(t, ack.ServerID, pm.ServerID)
	require.Len(t, pm.Attachments, 1)
	assert.Equal(t, "cat.png", pm.Attachments[0].FileName)
	assert.True(t, pm.IsForwarded)
	require.NotNil(t, pm.OriginalSenderID)
	assert.Equal(t, orig, *pm.OriginalSenderID)

	_, err = e.ch.Send(ctx, &private.Request{SenderID: 1, RecipientID: 2, ClientID: "g", AttachmentIDs: []int64{att.ID + 100}})
	assert.True(t, errors.Is(err, errs.ErrInvalidMessage))
}

func TestDuplicateReadAckIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.online(1)

	ack, err := e.ch.Send(ctx, &private.Request{SenderID: 1, RecipientID: 2, Content: "read me", ClientID: "c"})
	require.NoError(t, err)

	require.NoError(t, e.ch.ReadAck(ctx, 2, ack.ServerID))
	require.NoError(t, e.ch.ReadAck(ctx, 2, ack.ServerID))
	// 已读之后的送达回执同样不会回退，也不转发
	require.NoError(t, e.ch.DeliveryAck(ctx, 2, ack.ServerID))

	fs := drain(t, alice, 100*time.Millisecond)
	reads := ofType(fs, chat.EvReadUpdate)
	require.Len(t, reads, 1)
	assert.Empty(t, ofType(fs, chat.EvDeliveryUpdate))
	var ru chat.ReadUpdate
	require.NoError(t, json.Unmarshal(reads[0].Data, &ru))
	assert.Equal(t, ack.ServerID, ru.MessageID)
	assert.Equal(t, "c", ru.ClientID)
	assert.Equal(t, int64(2), ru.ReadBy)
	assert.Equal(t, model.StatusRead, ru.Status)

	msg, err := e.ad.GetMessage(ctx, ack.ServerID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, msg.Status)
	assert.NotNil(t, msg.DeliveredAt, "read implies delivered")
}

func TestOnlyRecipientMayAck(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	ack, err := e.ch.Send(ctx, &private.Request{SenderID: 1, RecipientID: 2, Content: "x", ClientID: "c"})
	require.NoError(t, err)

	assert.True(t, errors.Is(e.ch.ReadAck(ctx, 3, ack.ServerID), errs.ErrInvalidMessage))
	assert.True(t, errors.Is(e.ch.DeliveryAck(ctx, 1, ack.ServerID), errs.ErrInvalidMessage))
	assert.True(t, errors.Is(e.ch.ReadAck(ctx, 2, 12345), errs.ErrInvalidMessage))
}

func TestCorrelationIntegrity(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bob := e.online(2)

	want := map[string]int64{}
	for i := 0; i < 20; i++ {
		cid := fmt.Sprintf("cid-%d", i)
		ack, err := e.ch.Send(ctx, &private.Request{SenderID: 1, RecipientID: 2, Content: cid, ClientID: cid})
		require.NoError(t, err)
		assert.Equal(t, cid, ack.ClientID)
		want[cid] = ack.ServerID
	}

	got := ofType(drain(t, bob, 200*time.Millisecond), chat.EvPrivateMessage)
	require.Len(t, got, 20)
	var last int64
	for _, f := range got {
		var pm chat.PrivateMessage
		require.NoError(t, json.Unmarshal(f.Data, &pm))
		assert.Equal(t, want[pm.ClientID], pm.ServerID)
		assert.Equal(t, pm.ClientID, pm.Content)
		assert.Greater(t, pm.ServerID, last, "fan-out order follows persistence order")
		last = pm.ServerID
	}
}

func TestAckPrecedesDeliveryUpdate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.online(1)
	e.online(2)

	ack, err := e.ch.Send(ctx, &private.Request{SessionID: alice.ID, SenderID: 1, RecipientID: 2, Content: "order", ClientID: "o-1"})
	require.NoError(t, err)

	fs := drain(t, alice, 200*time.Millisecond)
	require.Len(t, fs, 2)
	assert.Equal(t, chat.EvSendAck, fs[0].Type)
	assert.Equal(t, chat.EvDeliveryUpdate, fs[1].Type)
	var got chat.SendAck
	require.NoError(t, json.Unmarshal(fs[0].Data, &got))
	assert.Equal(t, *ack, got)
}

func TestRejectedAttachmentLeavesNoRow(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bob := e.online(2)
	foreign := &model.Attachment{UploaderID: 3, FileName: "x.bin", Temporary: true}
	require.NoError(t, e.mem.CreateAttachment(ctx, foreign))

	for _, ids := range [][]int64{{999}, {foreign.ID}} {
		_, err := e.ch.Send(ctx, &private.Request{SenderID: 1, RecipientID: 2, ClientID: "att", AttachmentIDs: ids})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrInvalidMessage), err.Error())
	}

	m, err := e.mem.FindByClientID(ctx, 1, "att")
	require.NoError(t, err)
	assert.Nil(t, m)
	backlog, err := e.ad.BacklogUndelivered(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, backlog)
	assert.Empty(t, drain(t, bob, 50*time.Millisecond))

	// 同一 clientId 修正后重发正常落库并下发
	own := &model.Attachment{UploaderID: 1, FileName: "ok.png", Temporary: true}
	require.NoError(t, e.mem.CreateAttachment(ctx, own))
	ack, err := e.ch.Send(ctx, &private.Request{SenderID: 1, RecipientID: 2, ClientID: "att", AttachmentIDs: []int64{own.ID}})
	require.NoError(t, err)
	got := ofType(drain(t, bob, 100*time.Millisecond), chat.EvPrivateMessage)
	require.Len(t, got, 1)
	var pm chat.PrivateMessage
	require.NoError(t, json.Unmarshal(got[0].Data, &pm))
	assert.Equal(t, ack.ServerID, pm.ServerID)
	require.Len(t, pm.Attachments, 1)
	assert.Equal(t, own.ID, pm.Attachments[0].ID)
}

// lateStore 插入已提交，但调用方等到超时才返回
type lateStore struct {
	*store.MemStore
	late bool
}

func (s *lateStore) InsertMessage(ctx context.Context, d *model.Draft) (*model.Message, error) {
	m, err := s.MemStore.InsertMessage(ctx, d)
	if err != nil || !s.late {
		return m, err
	}
	s.late = false
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRetryAfterLostAckResumesDelivery(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	ls := &lateStore{MemStore: e.mem, late: true}
	ad := store.NewAdapter(ls, store.Options{Timeout: 50 * time.Millisecond})
	ch := private.NewChannel(ad, status.NewMachine(ad, nil), e.reg, e.push)
	bob := e.online(2)

	req := &private.Request{SenderID: 1, RecipientID: 2, Content: "again?", ClientID: "lost"}
	_, err := ch.Send(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrPersistence), err.Error())
	assert.Empty(t, drain(t, bob, 50*time.Millisecond))

	committed, err := e.mem.FindByClientID(ctx, 1, "lost")
	require.NoError(t, err)
	require.NotNil(t, committed)

	ack, err := ch.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, committed.ID, ack.ServerID)

	got := ofType(drain(t, bob, 100*time.Millisecond), chat.EvPrivateMessage)
	require.Len(t, got, 1)
	msg, err := ad.GetMessage(ctx, committed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, msg.Status)
}
