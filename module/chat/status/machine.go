package status

import (
	"context"
	"time"

	"ChatCore/module/chat/model"
	"ChatCore/service/metrics"
)

// Recorder 状态机依赖的持久化能力（store.Adapter 实现）
type Recorder interface {
	MarkDelivered(ctx context.Context, id int64) (bool, *model.Message, error)
	MarkRead(ctx context.Context, id int64) (bool, *model.Message, error)
	RecordGroupDelivery(ctx context.Context, messageID, memberID int64) (bool, error)
	RecordGroupRead(ctx context.Context, groupID, memberID int64, at time.Time) (bool, *time.Time, error)
	DeliveredMembers(ctx context.Context, messageID int64) ([]int64, error)
	ReadMarks(ctx context.Context, groupID int64) (map[int64]time.Time, error)
	GroupMembers(ctx context.Context, groupID int64) ([]model.Membership, error)
}

// Transition 一次推进的结果；Changed=false 表示重复/乱序事件，不应再转发
type Transition struct {
	Changed bool
	Message *model.Message
}

type Machine struct {
	rec Recorder
	now func() time.Time
}

func NewMachine(rec Recorder, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{rec: rec, now: now}
}

// Delivered 私聊：sent -> delivered
func (m *Machine) Delivered(ctx context.Context, messageID int64) (Transition, error) {
	ok, msg, err := m.rec.MarkDelivered(ctx, messageID)
	if err != nil {
		return Transition{}, err
	}
	if ok {
		metrics.StatusTransitions.WithLabelValues(string(model.KindPrivate), model.StatusDelivered.String()).Inc()
	}
	return Transition{Changed: ok, Message: msg}, nil
}

// Read 私聊：-> read（先到的 read 同样视为已送达）
func (m *Machine) Read(ctx context.Context, messageID int64) (Transition, error) {
	ok, msg, err := m.rec.MarkRead(ctx, messageID)
	if err != nil {
		return Transition{}, err
	}
	if ok {
		metrics.StatusTransitions.WithLabelValues(string(model.KindPrivate), model.StatusRead.String()).Inc()
	}
	return Transition{Changed: ok, Message: msg}, nil
}

// GroupDelivered 写入 (message, member) 送达记录；重复写返回 false
func (m *Machine) GroupDelivered(ctx context.Context, messageID, memberID int64) (bool, error) {
	ok, err := m.rec.RecordGroupDelivery(ctx, messageID, memberID)
	if err == nil && ok {
		metrics.StatusTransitions.WithLabelValues(string(model.KindGroup), model.StatusDelivered.String()).Inc()
	}
	return ok, err
}

// GroupRead 推进成员水位；at 为零值或晚于当前时间时取 now。返回生效的水位与之前的水位
func (m *Machine) GroupRead(ctx context.Context, groupID, memberID int64, at time.Time) (bool, time.Time, *time.Time, error) {
	now := m.now()
	if at.IsZero() || at.After(now) {
		at = now
	}
	ok, prev, err := m.rec.RecordGroupRead(ctx, groupID, memberID, at)
	if err == nil && ok {
		metrics.StatusTransitions.WithLabelValues(string(model.KindGroup), model.StatusRead.String()).Inc()
	}
	return ok, at, prev, err
}

// GroupSnapshot 一次取齐群成员与水位，供批量计算聚合状态
type GroupSnapshot struct {
	Members []model.Membership
	Marks   map[int64]time.Time
}

func (m *Machine) Snapshot(ctx context.Context, groupID int64) (*GroupSnapshot, error) {
	members, err := m.rec.GroupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	marks, err := m.rec.ReadMarks(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return &GroupSnapshot{Members: members, Marks: marks}, nil
}

// GroupStatus 计算发送者看到的聚合状态
func (m *Machine) GroupStatus(ctx context.Context, msg *model.Message, snap *GroupSnapshot) (model.Status, error) {
	if snap == nil {
		var err error
		if snap, err = m.Snapshot(ctx, msg.GroupID); err != nil {
			return model.StatusSent, err
		}
	}
	delivered, err := m.rec.DeliveredMembers(ctx, msg.ID)
	if err != nil {
		return model.StatusSent, err
	}
	return Aggregate(progressOf(msg, snap, delivered)), nil
}

func progressOf(msg *model.Message, snap *GroupSnapshot, delivered []int64) Progress {
	eligible := make(map[int64]bool, len(snap.Members))
	for _, mb := range snap.Members {
		if mb.UserID == msg.SenderID {
			continue
		}
		eligible[mb.UserID] = true
	}
	p := NewProgress(len(eligible))
	for _, id := range delivered {
		if eligible[id] {
			p.Delivered[id] = true
		}
	}
	for id, mark := range snap.Marks {
		if !eligible[id] {
			continue
		}
		t := mark
		if ReadByWatermark(msg.CreatedAt, &t) {
			p.Read[id] = true
			p.Delivered[id] = true
		}
	}
	return p
}
