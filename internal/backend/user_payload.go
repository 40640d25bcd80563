package backend

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/hitoshi/payportal/internal/model"
)

// flexibleID は文字列・数値どちらのJSON IDも受け付ける。
type flexibleID string

// UnmarshalJSON はflexibleIDをデコードする。
func (id *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = flexibleID(n.String())
	return nil
}

// userPayload はバックエンドが返すユーザー表現。
// 表示名のフィールド名がエンドポイントにより異なるため複数を受け付ける。
type userPayload struct {
	ID              flexibleID `json:"id"`
	Email           string     `json:"email"`
	DisplayName     string     `json:"display_name"`
	Name            string     `json:"name"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name"`
	Role            string     `json:"role"`
	CompanyUniqueID string     `json:"company_unique_id"`
}

// toUser はドメインのUserに変換する。IDもメールもない場合はnilを返す。
func (p *userPayload) toUser() *model.User {
	if p == nil || (p.ID == "" && p.Email == "") {
		return nil
	}

	displayName := p.DisplayName
	if displayName == "" {
		displayName = p.Name
	}
	if displayName == "" {
		displayName = strings.TrimSpace(p.FirstName + " " + p.LastName)
	}
	if displayName == "" {
		displayName = p.Email
	}

	return &model.User{
		ID:          string(p.ID),
		Email:       p.Email,
		DisplayName: displayName,
		Role:        p.Role,
		CompanyID:   p.CompanyUniqueID,
	}
}
