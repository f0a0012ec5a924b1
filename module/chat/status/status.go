// Package status 消息送达/已读状态机。
//
// 私聊：sending -> sent -> delivered -> read，只前进不回退；
// read 蕴含 delivered（先到的 read 会补齐 deliveredAt）。
// 群聊：每个成员一条送达记录 + 每成员一个群已读水位，发送方看到的是聚合状态。
package status

import (
	"time"

	"ChatCore/module/chat/model"
)

// CanAdvance 只有更高的 rank 才能覆盖当前状态
func CanAdvance(cur, to model.Status) bool {
	return to.Valid() && to > cur
}

// Max 取较高的状态
func Max(a, b model.Status) model.Status {
	if a > b {
		return a
	}
	return b
}

// Apply 对内存中的消息执行一次 CAS 推进；返回是否发生变化。
// 存储层实现 AdvanceStatus 时使用同一语义。
func Apply(m *model.Message, to model.Status, at time.Time) bool {
	if !CanAdvance(m.Status, to) {
		return false
	}
	if to >= model.StatusDelivered && m.DeliveredAt == nil {
		t := at
		m.DeliveredAt = &t
	}
	if to == model.StatusRead && m.ReadAt == nil {
		t := at
		m.ReadAt = &t
	}
	m.Status = to
	return true
}

// Progress 群消息在“非发送者成员”上的进度
type Progress struct {
	Members   int            // 不含发送者
	Delivered map[int64]bool // 有送达记录或已读的成员
	Read      map[int64]bool // 水位 >= createdAt 的成员
}

func NewProgress(members int) Progress {
	return Progress{Members: members, Delivered: map[int64]bool{}, Read: map[int64]bool{}}
}

// Aggregate 群消息展示给发送者的聚合状态：
// 全员已读 -> read；全员送达 -> delivered；否则 sent。没有其他成员时恒为 sent。
func Aggregate(p Progress) model.Status {
	if p.Members <= 0 {
		return model.StatusSent
	}
	delivered := 0
	for id := range p.Delivered {
		if !p.Read[id] {
			delivered++
		}
	}
	read := len(p.Read)
	if read >= p.Members {
		return model.StatusRead
	}
	// 已读蕴含已送达
	if delivered+read >= p.Members {
		return model.StatusDelivered
	}
	return model.StatusSent
}

// ReadByWatermark 水位是否覆盖该消息
func ReadByWatermark(createdAt time.Time, mark *time.Time) bool {
	return mark != nil && !createdAt.After(*mark)
}
