package model

import (
	"encoding/json"
	"fmt"
)

// Status 私聊消息状态；数值即 rank，只允许前进
type Status int8

const (
	StatusSending   Status = 0 // 仅存在于客户端
	StatusSent      Status = 1
	StatusDelivered Status = 2
	StatusRead      Status = 3
)

var statusNames = [...]string{"sending", "sent", "delivered", "read"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int8(s))
	}
	return statusNames[s]
}

func (s Status) Valid() bool { return s >= StatusSending && s <= StatusRead }

func ParseStatus(v string) (Status, error) {
	for i, n := range statusNames {
		if n == v {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", v)
}

func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Status) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	p, err := ParseStatus(v)
	if err != nil {
		return err
	}
	*s = p
	return nil
}
