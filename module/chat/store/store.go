// Package store 消息持久化：存储接口、内存/Postgres/Mongo 三种实现，以及带超时/幂等/重试的 Adapter。
package store

import (
	"context"
	"errors"
	"time"

	"ChatCore/module/chat/model"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateClientID = errors.New("unique (sender_id, client_id) violated")
)

// MessageStore 消息/附件/送达/已读
type MessageStore interface {
	// InsertMessage 分配 serverId 并以 status=sent 落库；(sender, clientId) 冲突返回 ErrDuplicateClientID
	InsertMessage(ctx context.Context, d *model.Draft) (*model.Message, error)
	// FindByClientID 不存在返回 (nil, nil)
	FindByClientID(ctx context.Context, senderID int64, clientID string) (*model.Message, error)
	GetMessage(ctx context.Context, id int64) (*model.Message, error)

	CreateAttachment(ctx context.Context, a *model.Attachment) error
	// LinkAttachments 把上传者的临时附件挂到消息上；已挂到同一消息的视为成功
	LinkAttachments(ctx context.Context, messageID, uploaderID int64, ids []int64) ([]model.Attachment, error)
	AttachmentsOf(ctx context.Context, messageIDs []int64) (map[int64][]model.Attachment, error)
	// GetAttachments 按 id 取附件，不存在的 id 直接忽略
	GetAttachments(ctx context.Context, ids []int64) ([]model.Attachment, error)
	StaleTempAttachments(ctx context.Context, before time.Time, limit int) ([]model.Attachment, error)
	DeleteAttachment(ctx context.Context, id int64) error

	// AdvanceStatus 仅当当前 rank < to 时更新（CAS），返回是否变化及最新消息
	AdvanceStatus(ctx context.Context, id int64, to model.Status, at time.Time) (bool, *model.Message, error)

	// InsertDelivery (message, member) 唯一，重复插入返回 false
	InsertDelivery(ctx context.Context, rec model.DeliveryRecord) (bool, error)
	DeliveredMembers(ctx context.Context, messageID int64) ([]int64, error)
	// UpsertReadMark 水位只前进；返回是否前进以及之前的水位
	UpsertReadMark(ctx context.Context, mark model.GroupReadMark) (bool, *time.Time, error)
	ReadMarks(ctx context.Context, groupID int64) (map[int64]time.Time, error)

	// PendingPrivate 发给 user 且仍为 sent 的私聊消息
	PendingPrivate(ctx context.Context, userID int64, limit int) ([]*model.Message, error)
	// PendingGroup user 所在群中、入群后由他人发送、且没有 user 送达记录的消息
	PendingGroup(ctx context.Context, userID int64, limit int) ([]*model.Message, error)
	// GroupMessagesBetween createdAt ∈ (after, upTo]，排除 excludeSender 发的
	GroupMessagesBetween(ctx context.Context, groupID int64, after, upTo time.Time, excludeSender int64, limit int) ([]*model.Message, error)
}

// Directory 用户/群/关系只读视图 + 在线状态写入
type Directory interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetGroup(ctx context.Context, id int64) (*model.Group, error)
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
	GroupMembers(ctx context.Context, groupID int64) ([]model.Membership, error)
	GroupsOf(ctx context.Context, userID int64) ([]int64, error)
	ContactsOf(ctx context.Context, userID int64) ([]int64, error)
	SetPresence(ctx context.Context, userID int64, online bool, at time.Time) error
}

type Store interface {
	MessageStore
	Directory
	// IsTransient 可重试的瞬时错误（连接抖动/死锁/超时之外的可恢复错误）
	IsTransient(err error) bool
	Close() error
}
