package model

// Group 群元数据；成员关系单独存 Membership
type Group struct {
	ID   int64  `json:"id" bson:"_id"`
	Name string `json:"name" bson:"name"`
}
