package notification

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// DisplayNameParam пользовательский параметр с именем вызывающего
const DisplayNameParam = "displayName"

const clientScheme = "client:"

var placeholder = regexp.MustCompile(`\$\{([^{}]*)\}`)

// Subject данные удаленной стороны для отображения
type Subject struct {
	Address          string
	CustomParameters map[string]string
}

// ResolveDisplayName выбирает имя для уведомления. Порядок: шаблон
// пользователя, параметр displayName, адрес вызывающего.
func ResolveDisplayName(template string, subject Subject) string {
	if template != "" {
		if name := strings.TrimSpace(ExpandTemplate(template, subject.CustomParameters)); name != "" {
			return name
		}
	}

	if raw, ok := subject.CustomParameters[DisplayNameParam]; ok && raw != "" {
		if name := decodeParam(raw); name != "" {
			return name
		}
	}

	return displayAddress(subject.Address)
}

// ExpandTemplate подставляет ${Param} из пользовательских параметров.
// Неизвестные параметры заменяются пустой строкой.
func ExpandTemplate(template string, params map[string]string) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		return decodeParam(params[name])
	})
}

// decodeParam декодирует URL-кодированное значение; '+' считается пробелом
func decodeParam(raw string) string {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// displayAddress убирает схему client: и сокращает SIP URI до user части
func displayAddress(address string) string {
	address = strings.TrimSpace(address)
	if strings.HasPrefix(address, clientScheme) {
		return strings.TrimPrefix(address, clientScheme)
	}

	lower := strings.ToLower(address)
	if strings.HasPrefix(lower, "sip:") || strings.HasPrefix(lower, "sips:") {
		var uri sip.Uri
		if err := sip.ParseUri(address, &uri); err == nil && uri.User != "" {
			return uri.User
		}
	}
	return address
}
