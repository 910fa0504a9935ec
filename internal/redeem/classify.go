package redeem

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/xkilldash9x/hypeauto/api/schemas"
	"github.com/xkilldash9x/hypeauto/internal/browser"
)

var (
	quantityPattern      = regexp.MustCompile(`(?i)(\d{1,3}(?:[.,]\d{3})+|\d+)\s*(?:diamantes?|diamonds?)`)
	internalErrorPattern = regexp.MustCompile(`(?i)(error interno|erro interno|internal error)`)

	expiredWords = []string{"expirado", "expired", "vencido"}
	usedWords    = []string{"canjeado", "redeemed", "usado", "used"}

	successKeywords = []string{
		"exitoso", "sucesso", "success", "entregado", "delivered",
		"créditos", "creditos", "diamantes", "completado", "realizado",
	}
)

// ParseQuantity extracts the item count from a product name such as "5000 Diamonds" or
// "1.000 diamantes". The first match wins; no match yields 0.
func ParseQuantity(productName string) int {
	m := quantityPattern.FindStringSubmatch(productName)
	if m == nil {
		return 0
	}
	digits := strings.NewReplacer(".", "", ",", "").Replace(m[1])
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

// ClassifyInlineError maps the text of an inline page error shown after PIN validation.
// The merchant may already have burned the PIN in every case, so returnPIN is always false.
func ClassifyInlineError(text string) (kind schemas.ErrorKind, returnPIN bool) {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, expiredWords):
		return schemas.ErrorPINExpired, false
	case containsAny(lower, usedWords):
		return schemas.ErrorPINAlreadyUsed, false
	default:
		return schemas.ErrorPINExpired, false
	}
}

// ClassifyError maps an error that escaped the protocol steps. Most happen before the
// confirmation request; the few raised while reading the page after it (settle wait, text
// fallback) are classified the same way, so the PIN is always returned.
func ClassifyError(err error) (kind schemas.ErrorKind, returnPIN bool) {
	if err == nil {
		return schemas.ErrorNone, false
	}
	if browser.IsTimeout(err) || strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return schemas.ErrorTimeout, true
	}
	return schemas.ErrorPageError, true
}

// IsInternalError reports whether an account verification message describes a transient
// server-side failure worth retrying.
func IsInternalError(message string) bool {
	return internalErrorPattern.MatchString(message)
}

// HasSuccessKeyword reports whether page text reads like a completed redemption.
func HasSuccessKeyword(pageText string) bool {
	return containsAny(strings.ToLower(pageText), successKeywords)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
