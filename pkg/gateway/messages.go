package gateway

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys double as the English text.
const (
	msgBadRequest     = "invalid request parameters"
	msgUnauthorized   = "authentication required"
	msgForbidden      = "not authorized for this operation"
	msgNotFound       = "resource not found (%s)"
	msgConflict       = "resource already exists"
	msgValidation     = "validation failed"
	msgUnavailable    = "server temporarily unavailable"
	msgStatus         = "request failed (status %d)"
	msgNetwork        = "network unreachable"
	msgTimeout        = "request timed out"
	msgCancelled      = "request cancelled"
	msgSessionExpired = "session expired, please sign in again"
	msgUnknown        = "unexpected error"
)

var translations = map[language.Tag]map[string]string{
	language.SimplifiedChinese: {
		msgBadRequest:     "请求参数错误",
		msgUnauthorized:   "需要登录",
		msgForbidden:      "您没有权限执行此操作",
		msgNotFound:       "请求的资源未找到 (%s)",
		msgConflict:       "数据已存在",
		msgValidation:     "提交的数据验证失败",
		msgUnavailable:    "服务器开小差了，请稍后再试",
		msgStatus:         "请求失败，状态码：%d",
		msgNetwork:        "网络连接异常，请检查您的网络",
		msgTimeout:        "请求超时",
		msgCancelled:      "请求已取消",
		msgSessionExpired: "会话已过期，请重新登录。",
		msgUnknown:        "发生未知错误",
	},
}

var messages = buildCatalog()

func buildCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for _, key := range []string{
		msgBadRequest, msgUnauthorized, msgForbidden, msgNotFound, msgConflict,
		msgValidation, msgUnavailable, msgStatus, msgNetwork, msgTimeout,
		msgCancelled, msgSessionExpired, msgUnknown,
	} {
		_ = b.SetString(language.English, key, key)
	}
	for tag, table := range translations {
		for key, text := range table {
			_ = b.SetString(tag, key, text)
		}
	}
	return b
}

// supported lists the languages error messages are available in. The first
// entry is the fallback.
var supported = []language.Tag{language.English, language.SimplifiedChinese}

var matcher = language.NewMatcher(supported)

// SupportedLanguages lists the languages error messages are available in.
func SupportedLanguages() []language.Tag {
	return append([]language.Tag(nil), supported...)
}

func newPrinter(tag language.Tag) *message.Printer {
	_, i, _ := matcher.Match(tag)
	return message.NewPrinter(supported[i], message.Catalog(messages))
}
