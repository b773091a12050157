// Package model はドメインモデルを定義する。
package model

import "time"

// User はポータル利用者のプロフィールを表す。
// IDはIdPのsubject（sub）をそのまま使用する。
type User struct {
	ID                     string
	Email                  string
	DisplayName            string
	Role                   string
	AssignedProfessionalID string // clientのみ。担当税理士のユーザーID
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
