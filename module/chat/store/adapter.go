package store

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"ChatCore/logger"
	"ChatCore/module/chat/model"
	"ChatCore/service/metrics"
	"ChatCore/tools/errs"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ClientIndex clientId -> serverId 的快速幂等窗口（Redis 实现见 service/storage/redis）
type ClientIndex interface {
	Lookup(ctx context.Context, senderID int64, clientID string) (int64, bool, error)
	Remember(ctx context.Context, senderID int64, clientID string, messageID int64) error
}

type Options struct {
	Timeout      time.Duration // 单次存储调用的超时，超时即 PersistenceFailure
	MaxRetry     int           // 瞬时错误的重试次数
	BacklogLimit int           // 单次补发上限（私聊/群聊各自）
	Stripes      int           // 会话锁分片数
	Index        ClientIndex   // 可选
	Clock        func() time.Time
}

func (o *Options) norm() {
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	} else if o.MaxRetry == 0 {
		o.MaxRetry = 3
	}
	if o.BacklogLimit <= 0 {
		o.BacklogLimit = 500
	}
	if o.Stripes <= 0 {
		o.Stripes = 64
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Adapter 包装 Store：超时、瞬时错误退避重试、clientId 幂等、按会话串行落库。
// 除 ErrNotFound 外的存储错误统一转成 errs.ErrPersistence。
type Adapter struct {
	s     Store
	opt   Options
	locks []sync.Mutex
	log   *zap.Logger
}

func NewAdapter(s Store, opt Options) *Adapter {
	opt.norm()
	return &Adapter{
		s:     s,
		opt:   opt,
		locks: make([]sync.Mutex, opt.Stripes),
		log:   logger.Named("store"),
	}
}

func (a *Adapter) Store() Store { return a.s }

func (a *Adapter) Now() time.Time { return a.opt.Clock() }

func (a *Adapter) convLock(k model.ConvKey) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.String()))
	return &a.locks[h.Sum32()%uint32(len(a.locks))]
}

// call 超时 + 重试 + 错误归类
func call[T any](a *Adapter, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	cctx, cancel := context.WithTimeout(ctx, a.opt.Timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(a.opt.MaxRetry)), cctx)

	err := backoff.RetryNotify(func() error {
		v, err := fn(cctx)
		if err == nil {
			out = v
			return nil
		}
		if a.s.IsTransient(err) && cctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, d time.Duration) {
		a.log.Warn("transient store error, retrying", zap.String("op", op), zap.Duration("in", d), zap.Error(err))
	})
	if err == nil {
		return out, nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateClientID) {
		return out, err
	}
	if cctx.Err() != nil && ctx.Err() == nil {
		metrics.PersistFailures.WithLabelValues(op).Inc()
		return out, errs.ErrPersistence.WrapMsg("store timeout", "op", op, "after", a.opt.Timeout)
	}
	metrics.PersistFailures.WithLabelValues(op).Inc()
	return out, errs.ErrPersistence.WrapMsg(err.Error(), "op", op)
}

// CreateMessage 先查 (sender, clientId) 再插入；第二个返回值表示消息已存在（重试命中）。
// 同一会话的插入串行执行，保证落库顺序与调用顺序一致。
func (a *Adapter) CreateMessage(ctx context.Context, d *model.Draft) (*model.Message, bool, error) {
	if d.ClientID != "" {
		if m, err := a.findExisting(ctx, d.SenderID, d.ClientID); err != nil {
			return nil, false, err
		} else if m != nil {
			return m, true, nil
		}
	}

	mu := a.convLock(d.Conv())
	mu.Lock()
	defer mu.Unlock()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = a.opt.Clock()
	}
	m, err := call(a, ctx, "insert_message", func(ctx context.Context) (*model.Message, error) {
		return a.s.InsertMessage(ctx, d)
	})
	if errors.Is(err, ErrDuplicateClientID) {
		// 并发重试抢先落库：按 clientId 取回
		existing, ferr := call(a, ctx, "find_by_client_id", func(ctx context.Context) (*model.Message, error) {
			return a.s.FindByClientID(ctx, d.SenderID, d.ClientID)
		})
		if ferr != nil {
			return nil, false, ferr
		}
		if existing == nil {
			return nil, false, errs.ErrPersistence.WrapMsg("duplicate clientId but no row", "sender", d.SenderID, "clientId", d.ClientID)
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	a.remember(ctx, m)
	kind := string(model.KindPrivate)
	if m.IsGroup() {
		kind = string(model.KindGroup)
	}
	metrics.MessagesPersisted.WithLabelValues(kind).Inc()
	return m, false, nil
}

func (a *Adapter) findExisting(ctx context.Context, sender int64, cid string) (*model.Message, error) {
	if a.opt.Index != nil {
		if id, ok, err := a.opt.Index.Lookup(ctx, sender, cid); err == nil && ok {
			m, err := a.GetMessage(ctx, id)
			if err == nil {
				return m, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
		} else if err != nil {
			a.log.Debug("client index lookup failed", zap.Error(err))
		}
	}
	m, err := call(a, ctx, "find_by_client_id", func(ctx context.Context) (*model.Message, error) {
		return a.s.FindByClientID(ctx, sender, cid)
	})
	if err != nil {
		return nil, err
	}
	if m != nil {
		a.remember(ctx, m)
	}
	return m, nil
}

func (a *Adapter) remember(ctx context.Context, m *model.Message) {
	if a.opt.Index == nil || m.ClientID == "" {
		return
	}
	if err := a.opt.Index.Remember(ctx, m.SenderID, m.ClientID, m.ID); err != nil {
		a.log.Debug("client index remember failed", zap.Int64("msg", m.ID), zap.Error(err))
	}
}

// AttachFiles 幂等：重试时再次挂同一批附件不会报错
func (a *Adapter) AttachFiles(ctx context.Context, messageID, uploaderID int64, ids []int64) ([]model.Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return call(a, ctx, "link_attachments", func(ctx context.Context) ([]model.Attachment, error) {
		return a.s.LinkAttachments(ctx, messageID, uploaderID, ids)
	})
}

// CheckAttachments 落库前校验：每个附件都存在且属于 uploader，
// 已挂载的只能挂在同一 clientId 的消息上（重试）。不满足返回 ErrNotFound。
func (a *Adapter) CheckAttachments(ctx context.Context, uploaderID int64, clientID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	atts, err := call(a, ctx, "get_attachments", func(ctx context.Context) ([]model.Attachment, error) {
		return a.s.GetAttachments(ctx, ids)
	})
	if err != nil {
		return err
	}
	byID := make(map[int64]model.Attachment, len(atts))
	for _, at := range atts {
		byID[at.ID] = at
	}
	for _, id := range ids {
		at, ok := byID[id]
		if !ok || at.UploaderID != uploaderID {
			return errors.Wrapf(ErrNotFound, "attachment %d", id)
		}
		if at.MessageID == 0 {
			continue
		}
		owner, err := a.GetMessage(ctx, at.MessageID)
		if err != nil {
			return err
		}
		if clientID == "" || owner.SenderID != uploaderID || owner.ClientID != clientID {
			return errors.Wrapf(ErrNotFound, "attachment %d already linked to message %d", id, at.MessageID)
		}
	}
	return nil
}

func (a *Adapter) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	return call(a, ctx, "get_message", func(ctx context.Context) (*model.Message, error) {
		return a.s.GetMessage(ctx, id)
	})
}

type advanceResult struct {
	changed bool
	msg     *model.Message
}

func (a *Adapter) advance(ctx context.Context, id int64, to model.Status) (bool, *model.Message, error) {
	at := a.opt.Clock()
	r, err := call(a, ctx, "advance_status", func(ctx context.Context) (advanceResult, error) {
		ok, m, err := a.s.AdvanceStatus(ctx, id, to, at)
		return advanceResult{ok, m}, err
	})
	return r.changed, r.msg, err
}

// MarkDelivered CAS：只有 sent -> delivered 会生效
func (a *Adapter) MarkDelivered(ctx context.Context, id int64) (bool, *model.Message, error) {
	return a.advance(ctx, id, model.StatusDelivered)
}

// MarkRead CAS：sent/delivered -> read，同时补齐 deliveredAt
func (a *Adapter) MarkRead(ctx context.Context, id int64) (bool, *model.Message, error) {
	return a.advance(ctx, id, model.StatusRead)
}

func (a *Adapter) RecordGroupDelivery(ctx context.Context, messageID, memberID int64) (bool, error) {
	rec := model.DeliveryRecord{MessageID: messageID, MemberID: memberID, DeliveredAt: a.opt.Clock()}
	return call(a, ctx, "insert_delivery", func(ctx context.Context) (bool, error) {
		return a.s.InsertDelivery(ctx, rec)
	})
}

type readMarkResult struct {
	advanced bool
	prev     *time.Time
}

func (a *Adapter) RecordGroupRead(ctx context.Context, groupID, memberID int64, at time.Time) (bool, *time.Time, error) {
	mark := model.GroupReadMark{GroupID: groupID, MemberID: memberID, ReadAt: at}
	r, err := call(a, ctx, "upsert_read_mark", func(ctx context.Context) (readMarkResult, error) {
		ok, prev, err := a.s.UpsertReadMark(ctx, mark)
		return readMarkResult{ok, prev}, err
	})
	return r.advanced, r.prev, err
}

func (a *Adapter) DeliveredMembers(ctx context.Context, messageID int64) ([]int64, error) {
	return call(a, ctx, "delivered_members", func(ctx context.Context) ([]int64, error) {
		return a.s.DeliveredMembers(ctx, messageID)
	})
}

func (a *Adapter) ReadMarks(ctx context.Context, groupID int64) (map[int64]time.Time, error) {
	return call(a, ctx, "read_marks", func(ctx context.Context) (map[int64]time.Time, error) {
		return a.s.ReadMarks(ctx, groupID)
	})
}

// BacklogUndelivered 私聊未送达 + 群聊缺送达记录的消息，按 serverId 升序
func (a *Adapter) BacklogUndelivered(ctx context.Context, userID int64) ([]*model.Message, error) {
	priv, err := call(a, ctx, "pending_private", func(ctx context.Context) ([]*model.Message, error) {
		return a.s.PendingPrivate(ctx, userID, a.opt.BacklogLimit)
	})
	if err != nil {
		return nil, err
	}
	grp, err := call(a, ctx, "pending_group", func(ctx context.Context) ([]*model.Message, error) {
		return a.s.PendingGroup(ctx, userID, a.opt.BacklogLimit)
	})
	if err != nil {
		return nil, err
	}
	out := append(priv, grp...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (a *Adapter) GroupMessagesBetween(ctx context.Context, groupID int64, after, upTo time.Time, excludeSender int64) ([]*model.Message, error) {
	return call(a, ctx, "group_messages_between", func(ctx context.Context) ([]*model.Message, error) {
		return a.s.GroupMessagesBetween(ctx, groupID, after, upTo, excludeSender, a.opt.BacklogLimit)
	})
}

// ---- Directory ----

func (a *Adapter) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return call(a, ctx, "get_user", func(ctx context.Context) (*model.User, error) { return a.s.GetUser(ctx, id) })
}

func (a *Adapter) GetGroup(ctx context.Context, id int64) (*model.Group, error) {
	return call(a, ctx, "get_group", func(ctx context.Context) (*model.Group, error) { return a.s.GetGroup(ctx, id) })
}

func (a *Adapter) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	return call(a, ctx, "is_member", func(ctx context.Context) (bool, error) { return a.s.IsMember(ctx, groupID, userID) })
}

func (a *Adapter) GroupMembers(ctx context.Context, groupID int64) ([]model.Membership, error) {
	return call(a, ctx, "group_members", func(ctx context.Context) ([]model.Membership, error) {
		return a.s.GroupMembers(ctx, groupID)
	})
}

func (a *Adapter) GroupsOf(ctx context.Context, userID int64) ([]int64, error) {
	return call(a, ctx, "groups_of", func(ctx context.Context) ([]int64, error) { return a.s.GroupsOf(ctx, userID) })
}

func (a *Adapter) ContactsOf(ctx context.Context, userID int64) ([]int64, error) {
	return call(a, ctx, "contacts_of", func(ctx context.Context) ([]int64, error) { return a.s.ContactsOf(ctx, userID) })
}

func (a *Adapter) SetPresence(ctx context.Context, userID int64, online bool, at time.Time) error {
	_, err := call(a, ctx, "set_presence", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.s.SetPresence(ctx, userID, online, at)
	})
	return err
}

// ---- 临时附件清理 ----

func (a *Adapter) StaleTempAttachments(ctx context.Context, before time.Time, limit int) ([]model.Attachment, error) {
	return call(a, ctx, "stale_attachments", func(ctx context.Context) ([]model.Attachment, error) {
		return a.s.StaleTempAttachments(ctx, before, limit)
	})
}

func (a *Adapter) DeleteAttachment(ctx context.Context, id int64) error {
	_, err := call(a, ctx, "delete_attachment", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.s.DeleteAttachment(ctx, id)
	})
	return err
}
