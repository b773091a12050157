// Package files はファイル・フォルダのパス正規化とメタデータ管理を提供する。
package files

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// RootPath はルートフォルダの正規形。
const RootPath = "/"

// maxNameLength はファイル名・フォルダ名の最大文字数。
const maxNameLength = 255

// NormalizeParentPath は親フォルダのパスを "/a/b/" の正規形に変換する。
// 前後の空白と先頭・末尾のスラッシュを取り除いてから "/" で囲む。空の場合は "/" を返す。
// 一覧取得・作成・検索のすべてがこの関数を通す。
func NormalizeParentPath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return RootPath
	}
	return "/" + p + "/"
}

// ValidateName はファイル名・フォルダ名として使えるかを検証する。
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("名前が空です")
	case strings.Contains(name, "/"):
		return fmt.Errorf("名前に「/」は使用できません")
	case name == "." || name == "..":
		return fmt.Errorf("名前に「%s」は使用できません", name)
	case utf8.RuneCountInString(name) > maxNameLength:
		return fmt.Errorf("名前は%d文字以内にしてください", maxNameLength)
	}
	return nil
}

// EntryPath は親フォルダと名前からエントリのパスを組み立てる。
// フォルダは末尾スラッシュ付きとし、配下エントリのParentPathと一致させる。
func EntryPath(parentPath, name string, folder bool) string {
	p := NormalizeParentPath(parentPath) + strings.TrimSpace(name)
	if folder {
		return p + "/"
	}
	return p
}

// PublicURL はオブジェクトストレージの公開URLを組み立てる。署名は行わない。
func PublicURL(bucket, region, key string) string {
	segments := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, strings.Join(segments, "/"))
}
