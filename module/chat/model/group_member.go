package model

import "time"

// Membership 一条记录对应一个群 + 一个用户（唯一键: group_id+user_id）。
// JoinedAt 决定成员能补收哪些历史群消息。
type Membership struct {
	GroupID  int64     `json:"groupId" bson:"group_id"`
	UserID   int64     `json:"userId" bson:"user_id"`
	JoinedAt time.Time `json:"joinedAt" bson:"joined_at"`
}
