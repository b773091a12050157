package auth

import "strings"

// Role はポータル利用者のロール。
// 未知の値はRoleUnknownに正規化され、ラベル表示はフォールバックする。
type Role int

const (
	RoleUnknown Role = iota
	RoleAdmin
	RoleTaxPro
	RoleClient
)

// ParseRole はクレーム上のロール文字列をRoleに変換する。
// 大文字小文字と前後の空白は無視する。認識できない値はRoleUnknownを返す。
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin
	case "tax_pro", "taxpro", "tax-pro":
		return RoleTaxPro
	case "client":
		return RoleClient
	default:
		return RoleUnknown
	}
}

// String はロールの正規文字列表現を返す。DBやJSONにはこの値を保存する。
func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleTaxPro:
		return "tax_pro"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// Label は画面表示用のロール名を返す。
func (r Role) Label() string {
	switch r {
	case RoleAdmin:
		return "管理者"
	case RoleTaxPro:
		return "税理士"
	case RoleClient:
		return "顧客"
	default:
		return "不明なロール"
	}
}

// IsStaff は税理士または管理者かどうかを返す。
func (r Role) IsStaff() bool {
	return r == RoleAdmin || r == RoleTaxPro
}

// Identity は検証済みIDトークンのクレームから導出した認証済みユーザー情報。
// セッションの間だけ保持し、再認証時は丸ごと置き換える。
type Identity struct {
	SubjectID              string
	Email                  string
	DisplayName            string
	Role                   Role
	AssignedProfessionalID string
}
