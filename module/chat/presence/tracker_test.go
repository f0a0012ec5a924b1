package presence_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ChatCore/module/chat/group"
	"ChatCore/module/chat/model"
	"ChatCore/module/chat/presence"
	"ChatCore/module/chat/private"
	"ChatCore/module/chat/status"
	"ChatCore/module/chat/store"
	"ChatCore/service/chat"
	"ChatCore/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

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

type fakeMirror struct {
	mu     sync.Mutex
	online map[int64]bool
}

func (m *fakeMirror) Online(_ context.Context, uid int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[uid] = true
	return nil
}

func (m *fakeMirror) Offline(_ context.Context, uid int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online, uid)
	return nil
}

func (m *fakeMirror) is(uid int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[uid]
}

type env struct {
	mem     *store.MemStore
	ad      *store.Adapter
	sm      *status.Machine
	reg     *chat.Registry
	tracker *presence.Tracker
	private *private.Channel
	group   *group.Channel
	mirror  *fakeMirror
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mem := store.NewMemStore()
	for id, n := range map[int64]string{1: "alice", 2: "bob", 3: "carol", 4: "dave"} {
		mem.PutUser(model.User{ID: id, Username: n})
	}
	ad := store.NewAdapter(mem, store.Options{Timeout: time.Second})
	e := &env{mem: mem, ad: ad, sm: status.NewMachine(ad, nil), mirror: &fakeMirror{online: map[int64]bool{}}}
	e.boot(t)
	return e
}

// boot 新建内存注册表，模拟网关重启
func (e *env) boot(t *testing.T) {
	e.reg = chat.NewRegistry(chat.RegistryConf{})
	t.Cleanup(e.reg.Close)
	e.tracker = presence.NewTracker(e.reg, e.ad, e.sm, e.mirror, presence.Options{})
	e.private = private.NewChannel(e.ad, e.sm, e.reg, nil)
	e.group = group.NewChannel(e.ad, e.sm, e.reg, nil)
}

func (e *env) connect(t *testing.T, uid int64) *chat.Session {
	t.Helper()
	s := e.reg.NewSession(uid)
	require.NoError(t, e.tracker.Connect(context.Background(), s))
	return s
}

func TestOfflineRecipientReceivesBacklogOnConnect(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.connect(t, 1)

	ack, err := e.private.Send(ctx, &private.Request{SenderID: 1, RecipientID: 2, Content: "ping me", ClientID: "c-1"})
	require.NoError(t, err)
	drain(t, alice, 50*time.Millisecond)

	bob := e.connect(t, 2)
	got := ofType(drain(t, bob, 200*time.Millisecond), chat.EvPrivateMessage)
	require.Len(t, got, 1)
	var pm chat.PrivateMessage
	require.NoError(t, json.Unmarshal(got[0].Data, &pm))
	assert.Equal(t, ack.ServerID, pm.ServerID)

	ups := ofType(drain(t, alice, 200*time.Millisecond), chat.EvDeliveryUpdate)
	require.Len(t, ups, 1)
	var du chat.DeliveryUpdate
	require.NoError(t, json.Unmarshal(ups[0].Data, &du))
	assert.Equal(t, "c-1", du.ClientID)
	assert.Equal(t, model.StatusDelivered, du.Status)

	// 第二个设备上线：已送达，不再补发也不再通知
	bob2 := e.connect(t, 2)
	assert.Empty(t, ofType(drain(t, bob2, 100*time.Millisecond), chat.EvPrivateMessage))
	assert.Empty(t, ofType(drain(t, alice, 100*time.Millisecond), chat.EvDeliveryUpdate))
}

func TestBacklogSurvivesRegistryLoss(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	ack, err := e.private.Send(ctx, &private.Request{SenderID: 1, RecipientID: 2, Content: "before restart", ClientID: "r"})
	require.NoError(t, err)

	e.boot(t)
	bob := e.connect(t, 2)
	got := ofType(drain(t, bob, 200*time.Millisecond), chat.EvPrivateMessage)
	require.Len(t, got, 1)

	msg, err := e.ad.GetMessage(ctx, ack.ServerID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, msg.Status)
}

func TestGroupBacklogRecordsDelivery(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.mem.PutGroup(model.Group{ID: 100, Name: "team"}, 1, 2, 3)
	alice, _ := e.connect(t, 1), e.connect(t, 2)

	ack, err := e.group.Send(ctx, &group.Request{SenderID: 1, GroupID: 100, Content: "hi all", ClientID: "g"})
	require.NoError(t, err)
	drain(t, alice, 150*time.Millisecond)

	carol := e.connect(t, 3)
	got := ofType(drain(t, carol, 200*time.Millisecond), chat.EvGroupMessage)
	require.Len(t, got, 1)
	assert.Equal(t, 2, e.mem.DeliveryCount(ack.ServerID))

	ups := ofType(drain(t, alice, 200*time.Millisecond), chat.EvDeliveryUpdate)
	require.Len(t, ups, 1)
	var du chat.DeliveryUpdate
	require.NoError(t, json.Unmarshal(ups[0].Data, &du))
	assert.Equal(t, model.StatusDelivered, du.Status)
	assert.Equal(t, []int64{3}, du.DeliveredTo)
}

func TestPresenceBroadcasts(t *testing.T) {
	e := newEnv(t)
	e.mem.AddContact(1, 2)
	e.mem.PutGroup(model.Group{ID: 100, Name: "team"}, 1, 3)
	bob, carol, dave := e.connect(t, 2), e.connect(t, 3), e.connect(t, 4)
	drain(t, bob, 50*time.Millisecond)

	a1 := e.connect(t, 1)
	pu := ofType(drain(t, bob, 200*time.Millisecond), chat.EvPresenceUpdate)
	require.Len(t, pu, 1)
	var up chat.PresenceUpdate
	require.NoError(t, json.Unmarshal(pu[0].Data, &up))
	assert.Equal(t, int64(1), up.UserID)
	assert.Equal(t, chat.PresenceOnline, up.Status)

	gp := ofType(drain(t, carol, 100*time.Millisecond), chat.EvGroupPresenceUpdate)
	require.Len(t, gp, 1)
	var gu chat.GroupPresenceUpdate
	require.NoError(t, json.Unmarshal(gp[0].Data, &gu))
	assert.Equal(t, int64(100), gu.GroupID)
	assert.Empty(t, ofType(drain(t, dave, 50*time.Millisecond), chat.EvPresenceUpdate))
	assert.True(t, e.mirror.is(1))

	// 第二个会话不重复广播
	a2 := e.connect(t, 1)
	assert.Empty(t, ofType(drain(t, bob, 100*time.Millisecond), chat.EvPresenceUpdate))

	e.tracker.Disconnect(context.Background(), a1)
	assert.Empty(t, ofType(drain(t, bob, 100*time.Millisecond), chat.EvPresenceUpdate))
	assert.True(t, e.mirror.is(1))

	e.tracker.Disconnect(context.Background(), a2)
	pu = ofType(drain(t, bob, 200*time.Millisecond), chat.EvPresenceUpdate)
	require.Len(t, pu, 1)
	require.NoError(t, json.Unmarshal(pu[0].Data, &up))
	assert.Equal(t, chat.PresenceOffline, up.Status)
	require.NotNil(t, up.LastSeen)
	assert.False(t, e.mirror.is(1))

	u, err := e.ad.GetUser(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, u.Online)
	assert.NotNil(t, u.LastSeen)
}

func TestAuthenticateChecksIdentity(t *testing.T) {
	e := newEnv(t)
	s := e.connect(t, 1)
	drain(t, s, 50*time.Millisecond)

	err := e.tracker.Authenticate(context.Background(), s, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrAuthentication), "identity mismatch is an authentication failure")

	require.NoError(t, e.tracker.Authenticate(context.Background(), s, 1))
	assert.Len(t, ofType(drain(t, s, 50*time.Millisecond), chat.EvAuthenticated), 1)
}

func TestKeepMirrorRefreshesOnlineUsers(t *testing.T) {
	e := newEnv(t)
	e.connect(t, 1)
	e.connect(t, 2)
	require.NoError(t, e.mirror.Offline(context.Background(), 1, time.Now()))
	require.False(t, e.mirror.is(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.tracker.KeepMirror(ctx, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return e.mirror.is(1) && e.mirror.is(2) }, time.Second, 10*time.Millisecond)
}

func TestSweepDrainsBacklogPastOnePage(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	mem.PutUser(model.User{ID: 1, Username: "alice"})
	mem.PutUser(model.User{ID: 2, Username: "bob"})
	mem.PutGroup(model.Group{ID: 100, Name: "team"}, 1, 2)
	ad := store.NewAdapter(mem, store.Options{Timeout: time.Second, BacklogLimit: 2})
	sm := status.NewMachine(ad, nil)
	reg := chat.NewRegistry(chat.RegistryConf{SendBuffer: 64})
	t.Cleanup(reg.Close)
	tr := presence.NewTracker(reg, ad, sm, nil, presence.Options{})

	for i := 0; i < 5; i++ {
		_, err := mem.InsertMessage(ctx, &model.Draft{ClientID: "p" + string(rune('a'+i)), SenderID: 1, RecipientID: 2, Content: "p"})
		require.NoError(t, err)
		_, err = mem.InsertMessage(ctx, &model.Draft{ClientID: "g" + string(rune('a'+i)), SenderID: 1, GroupID: 100, Content: "g"})
		require.NoError(t, err)
	}

	bob := reg.NewSession(2)
	reg.Register(bob)
	n, err := tr.Sweep(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	fs := drain(t, bob, 100*time.Millisecond)
	assert.Len(t, ofType(fs, chat.EvPrivateMessage), 5)
	assert.Len(t, ofType(fs, chat.EvGroupMessage), 5)
	left, err := ad.BacklogUndelivered(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestPresenceOrderSurvivesFlapping(t *testing.T) {
	e := newEnv(t)
	e.mem.AddContact(1, 2)
	alice := e.connect(t, 1)
	drain(t, alice, 50*time.Millisecond)

	for i := 0; i < 10; i++ {
		s := e.connect(t, 2)
		e.tracker.Disconnect(context.Background(), s)
	}
	e.connect(t, 2)

	var got []string
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < 21 && time.Now().Before(deadline) {
		for _, f := range ofType(drain(t, alice, 20*time.Millisecond), chat.EvPresenceUpdate) {
			var up chat.PresenceUpdate
			require.NoError(t, json.Unmarshal(f.Data, &up))
			got = append(got, up.Status)
		}
	}
	require.Len(t, got, 21)
	for i, st := range got {
		want := chat.PresenceOnline
		if i%2 == 1 {
			want = chat.PresenceOffline
		}
		assert.Equal(t, want, st, "update %d", i)
	}
}
