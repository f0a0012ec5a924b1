package model

import "time"

type User struct {
	ID          int64      `json:"id" bson:"_id"`
	Username    string     `json:"username" bson:"username"`
	DisplayName string     `json:"displayName,omitempty" bson:"display_name"`
	Online      bool       `json:"online" bson:"online"`
	LastSeen    *time.Time `json:"lastSeen,omitempty" bson:"last_seen,omitempty"`
	PushToken   string     `json:"-" bson:"push_token,omitempty"`
}

// Name 展示名，缺省用 username
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}
