package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"ChatCore/module/chat/model"
	"ChatCore/module/chat/status"

	"github.com/pkg/errors"
)

// MemStore 内存实现：单测与单机开发用；语义与 pg/mongo 保持一致
type MemStore struct {
	mu sync.RWMutex

	nextMsgID int64
	nextAttID int64

	msgs     map[int64]*model.Message
	byCID    map[string]int64 // sender|cid -> id
	atts     map[int64]*model.Attachment
	delivery map[int64]map[int64]time.Time // msg -> member -> deliveredAt
	reads    map[int64]map[int64]time.Time // group -> member -> readAt

	users    map[int64]*model.User
	groups   map[int64]*model.Group
	members  map[int64]map[int64]time.Time // group -> user -> joinedAt
	contacts map[int64]map[int64]struct{}

	// FailNext 注入下一次写失败（测试用）
	FailNext error
}

func NewMemStore() *MemStore {
	return &MemStore{
		msgs:     make(map[int64]*model.Message),
		byCID:    make(map[string]int64),
		atts:     make(map[int64]*model.Attachment),
		delivery: make(map[int64]map[int64]time.Time),
		reads:    make(map[int64]map[int64]time.Time),
		users:    make(map[int64]*model.User),
		groups:   make(map[int64]*model.Group),
		members:  make(map[int64]map[int64]time.Time),
		contacts: make(map[int64]map[int64]struct{}),
	}
}

func keyCID(sender int64, cid string) string { return strconv.FormatInt(sender, 10) + "|" + cid }

// ---- 种子数据（用户/群/联系人由外部 CRUD 维护，内存版直接写入） ----

func (s *MemStore) PutUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u
	s.users[u.ID] = &cp
}

func (s *MemStore) PutGroup(g model.Group, memberIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := g
	s.groups[g.ID] = &cp
	if s.members[g.ID] == nil {
		s.members[g.ID] = make(map[int64]time.Time)
	}
	joined := time.Unix(0, 0)
	for _, id := range memberIDs {
		s.members[g.ID][id] = joined
	}
}

func (s *MemStore) AddMember(groupID, userID int64, joinedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[groupID] == nil {
		s.members[groupID] = make(map[int64]time.Time)
	}
	s.members[groupID][userID] = joinedAt
}

// AddContact 双向联系人
func (s *MemStore) AddContact(a, b int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range [][2]int64{{a, b}, {b, a}} {
		if s.contacts[p[0]] == nil {
			s.contacts[p[0]] = make(map[int64]struct{})
		}
		s.contacts[p[0]][p[1]] = struct{}{}
	}
}

// DeliveryCount (message) 的送达记录条数
func (s *MemStore) DeliveryCount(messageID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.delivery[messageID])
}

func (s *MemStore) takeFail() error {
	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return err
	}
	return nil
}

// ---- MessageStore ----

func (s *MemStore) InsertMessage(ctx context.Context, d *model.Draft) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFail(); err != nil {
		return nil, err
	}
	if d.ClientID != "" {
		if _, ok := s.byCID[keyCID(d.SenderID, d.ClientID)]; ok {
			return nil, ErrDuplicateClientID
		}
	}
	s.nextMsgID++
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	m := &model.Message{
		ID:               s.nextMsgID,
		ClientID:         d.ClientID,
		SenderID:         d.SenderID,
		RecipientID:      d.RecipientID,
		GroupID:          d.GroupID,
		Content:          d.Content,
		ReplyToID:        d.ReplyToID,
		IsForwarded:      d.IsForwarded,
		OriginalSenderID: d.OriginalSenderID,
		Status:           model.StatusSent,
		CreatedAt:        created,
	}
	s.msgs[m.ID] = m
	if d.ClientID != "" {
		s.byCID[keyCID(d.SenderID, d.ClientID)] = m.ID
	}
	return s.cloneLocked(m), nil
}

func (s *MemStore) FindByClientID(ctx context.Context, senderID int64, clientID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.byCID[keyCID(senderID, clientID)]; ok {
		return s.cloneLocked(s.msgs[id]), nil
	}
	return nil, nil
}

func (s *MemStore) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "message %d", id)
	}
	return s.cloneLocked(m), nil
}

// cloneLocked 返回带附件的副本，调用方需持锁
func (s *MemStore) cloneLocked(m *model.Message) *model.Message {
	cp := *m
	cp.Attachments = s.attachmentsLocked(m.ID)
	return &cp
}

func (s *MemStore) attachmentsLocked(messageID int64) []model.Attachment {
	var out []model.Attachment
	for _, a := range s.atts {
		if a.MessageID == messageID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemStore) CreateAttachment(ctx context.Context, a *model.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		s.nextAttID++
		a.ID = s.nextAttID
	} else if a.ID > s.nextAttID {
		s.nextAttID = a.ID
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	cp := *a
	s.atts[a.ID] = &cp
	return nil
}

func (s *MemStore) LinkAttachments(ctx context.Context, messageID, uploaderID int64, ids []int64) ([]model.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFail(); err != nil {
		return nil, err
	}
	out := make([]model.Attachment, 0, len(ids))
	for _, id := range ids {
		a, ok := s.atts[id]
		if !ok || a.UploaderID != uploaderID {
			return nil, errors.Wrapf(ErrNotFound, "attachment %d", id)
		}
		if a.MessageID != 0 && a.MessageID != messageID {
			return nil, errors.Errorf("attachment %d already linked to message %d", id, a.MessageID)
		}
		a.MessageID = messageID
		a.Temporary = false
		out = append(out, *a)
	}
	return out, nil
}

func (s *MemStore) AttachmentsOf(ctx context.Context, messageIDs []int64) (map[int64][]model.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64][]model.Attachment, len(messageIDs))
	for _, id := range messageIDs {
		if atts := s.attachmentsLocked(id); len(atts) > 0 {
			out[id] = atts
		}
	}
	return out, nil
}

func (s *MemStore) GetAttachments(ctx context.Context, ids []int64) ([]model.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Attachment, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.atts[id]; ok {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *MemStore) StaleTempAttachments(ctx context.Context, before time.Time, limit int) ([]model.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Attachment
	for _, a := range s.atts {
		if a.Temporary && a.MessageID == 0 && a.CreatedAt.Before(before) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) DeleteAttachment(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.atts, id)
	return nil
}

func (s *MemStore) AdvanceStatus(ctx context.Context, id int64, to model.Status, at time.Time) (bool, *model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFail(); err != nil {
		return false, nil, err
	}
	m, ok := s.msgs[id]
	if !ok {
		return false, nil, errors.Wrapf(ErrNotFound, "message %d", id)
	}
	changed := status.Apply(m, to, at)
	return changed, s.cloneLocked(m), nil
}

func (s *MemStore) InsertDelivery(ctx context.Context, rec model.DeliveryRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFail(); err != nil {
		return false, err
	}
	mm := s.delivery[rec.MessageID]
	if mm == nil {
		mm = make(map[int64]time.Time)
		s.delivery[rec.MessageID] = mm
	}
	if _, ok := mm[rec.MemberID]; ok {
		return false, nil
	}
	mm[rec.MemberID] = rec.DeliveredAt
	return true, nil
}

func (s *MemStore) DeliveredMembers(ctx context.Context, messageID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.delivery[messageID]))
	for id := range s.delivery[messageID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemStore) UpsertReadMark(ctx context.Context, mark model.GroupReadMark) (bool, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFail(); err != nil {
		return false, nil, err
	}
	mm := s.reads[mark.GroupID]
	if mm == nil {
		mm = make(map[int64]time.Time)
		s.reads[mark.GroupID] = mm
	}
	prev, ok := mm[mark.MemberID]
	if ok && !mark.ReadAt.After(prev) {
		return false, &prev, nil
	}
	mm[mark.MemberID] = mark.ReadAt
	if !ok {
		return true, nil, nil
	}
	return true, &prev, nil
}

func (s *MemStore) ReadMarks(ctx context.Context, groupID int64) (map[int64]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]time.Time, len(s.reads[groupID]))
	for k, v := range s.reads[groupID] {
		out[k] = v
	}
	return out, nil
}

func (s *MemStore) PendingPrivate(ctx context.Context, userID int64, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Message
	for _, m := range s.msgs {
		if m.GroupID == 0 && m.RecipientID == userID && m.Status == model.StatusSent {
			out = append(out, s.cloneLocked(m))
		}
	}
	return sortLimit(out, limit), nil
}

func (s *MemStore) PendingGroup(ctx context.Context, userID int64, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Message
	for _, m := range s.msgs {
		if m.GroupID == 0 || m.SenderID == userID {
			continue
		}
		joined, ok := s.members[m.GroupID][userID]
		if !ok || m.CreatedAt.Before(joined) {
			continue
		}
		if _, done := s.delivery[m.ID][userID]; done {
			continue
		}
		out = append(out, s.cloneLocked(m))
	}
	return sortLimit(out, limit), nil
}

func (s *MemStore) GroupMessagesBetween(ctx context.Context, groupID int64, after, upTo time.Time, excludeSender int64, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Message
	for _, m := range s.msgs {
		if m.GroupID != groupID || m.SenderID == excludeSender {
			continue
		}
		if m.CreatedAt.After(after) && !m.CreatedAt.After(upTo) {
			out = append(out, s.cloneLocked(m))
		}
	}
	return sortLimit(out, limit), nil
}

func sortLimit(out []*model.Message, limit int) []*model.Message {
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ---- Directory ----

func (s *MemStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "user %d", id)
	}
	cp := *u
	return &cp, nil
}

func (s *MemStore) GetGroup(ctx context.Context, id int64) (*model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "group %d", id)
	}
	cp := *g
	return &cp, nil
}

func (s *MemStore) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[groupID][userID]
	return ok, nil
}

func (s *MemStore) GroupMembers(ctx context.Context, groupID int64) ([]model.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Membership, 0, len(s.members[groupID]))
	for uid, joined := range s.members[groupID] {
		out = append(out, model.Membership{GroupID: groupID, UserID: uid, JoinedAt: joined})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemStore) GroupsOf(ctx context.Context, userID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for gid, mm := range s.members {
		if _, ok := mm[userID]; ok {
			out = append(out, gid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemStore) ContactsOf(ctx context.Context, userID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.contacts[userID]))
	for id := range s.contacts[userID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemStore) SetPresence(ctx context.Context, userID int64, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "user %d", userID)
	}
	u.Online = online
	t := at
	u.LastSeen = &t
	return nil
}

func (s *MemStore) IsTransient(err error) bool { return errors.Is(err, errTransient) }

func (s *MemStore) Close() error { return nil }

// errTransient 测试里用来模拟可重试错误
var errTransient = errors.New("transient store error")

// ErrTransientForTest 返回一个会被 IsTransient 识别的错误
func ErrTransientForTest() error { return errTransient }
