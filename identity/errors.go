package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a failure reported by the identity provider's REST API.
type Error struct {
	// Code is the provider's error code, e.g. EMAIL_EXISTS.
	Code string
	// Detail is the free text the provider appended to the code, if any.
	Detail string
	Status int
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("identity provider: %s (%d): %s", e.Code, e.Status, e.Detail)
	}
	return fmt.Sprintf("identity provider: %s (%d)", e.Code, e.Status)
}

// LocalizedMessage returns the message shown to users for this error.
func (e *Error) LocalizedMessage() string {
	if msg, ok := messages[e.Code]; ok {
		return msg
	}
	return defaultMessage
}

const defaultMessage = "エラーが発生しました"

var messages = map[string]string{
	"EMAIL_EXISTS":                "このメールアドレスは既に使用されています",
	"INVALID_EMAIL":               "メールアドレスが正しくありません",
	"MISSING_EMAIL":               "メールアドレスを入力してください",
	"EMAIL_NOT_FOUND":             "このメールアドレスのユーザーが見つかりません",
	"USER_NOT_FOUND":              "ユーザーが見つかりません",
	"INVALID_PASSWORD":            "パスワードが正しくありません",
	"MISSING_PASSWORD":            "パスワードを入力してください",
	"INVALID_LOGIN_CREDENTIALS":   "メールアドレスまたはパスワードが正しくありません",
	"WEAK_PASSWORD":               "パスワードが弱すぎます",
	"USER_DISABLED":               "このアカウントは無効化されています",
	"TOO_MANY_ATTEMPTS_TRY_LATER": "リクエストが多すぎます。しばらく時間をおいてから再度お試しください",
	"EXPIRED_OOB_CODE":            "確認リンクの有効期限が切れています。もう一度メールを送信してください",
	"INVALID_OOB_CODE":            "確認リンクが無効です。既に使用されている可能性があります",
	"TOKEN_EXPIRED":               "セッションの有効期限が切れました。再度ログインしてください",
	"INVALID_REFRESH_TOKEN":       "セッションが無効です。再度ログインしてください",
	"INVALID_ID_TOKEN":            "セッションが無効です。再度ログインしてください",
	"OPERATION_NOT_ALLOWED":       "この操作は許可されていません",
}

// LocalizedMessage maps any error to a user-facing message. Errors that did
// not come from the provider get the generic message.
func LocalizedMessage(err error) string {
	var ierr *Error
	if errors.As(err, &ierr) {
		return ierr.LocalizedMessage()
	}
	return defaultMessage
}

// IsCode reports whether err is a provider error with the given code.
func IsCode(err error, code string) bool {
	var ierr *Error
	return errors.As(err, &ierr) && ierr.Code == code
}

// parseErrorMessage splits "WEAK_PASSWORD : Password should be ..." into
// code and detail.
func parseErrorMessage(message string) (string, string) {
	code, detail, _ := strings.Cut(message, ":")
	return strings.TrimSpace(code), strings.TrimSpace(detail)
}
