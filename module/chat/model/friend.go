package model

import "time"

// Contact 联系人关系，单向存储，互为联系人时各存一条。
// 唯一索引 owner_id + contact_id。在线状态只广播给联系人。
type Contact struct {
	OwnerID   int64     `json:"ownerId" bson:"owner_id"`
	ContactID int64     `json:"contactId" bson:"contact_id"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}
