package observability

import "go.uber.org/zap"

// pinPrefixLen caps how much of a PIN may appear in logs.
const pinPrefixLen = 8

// PINPrefix returns the part of a PIN that may be shown: at most eight characters and never
// more than half of it.
func PINPrefix(pin string) string {
	r := []rune(pin)
	return string(r[:min(pinPrefixLen, len(r)/2)])
}

// MaskPIN returns the loggable form of a PIN: its visible prefix followed by "...".
// PINs are bearer secrets, so the full value must never be written to a log.
func MaskPIN(pin string) string {
	return PINPrefix(pin) + "..."
}

// PIN is a zap field carrying a masked PIN.
func PIN(pin string) zap.Field {
	return zap.String("pin", MaskPIN(pin))
}
