package tgui

import (
	"errors"
	"strconv"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data limit in bytes.
const MaxCallbackDataLen = 64

var (
	ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")
	ErrBadCallback         = errors.New("tgui: malformed callback data")
)

// Data formats "scope:action[:arg...]". The result is empty when it would not
// fit in MaxCallbackDataLen.
func Data(scope, action string, args ...string) string {
	parts := append([]string{strings.TrimSpace(scope), strings.TrimSpace(action)}, args...)
	s := strings.Join(parts, ":")
	if len(s) > MaxCallbackDataLen {
		return ""
	}
	return s
}

// Callback is parsed callback data.
type Callback struct {
	Scope  string
	Action string
	Args   []string
}

func ParseCallback(data string) (Callback, error) {
	if len(data) > MaxCallbackDataLen {
		return Callback{}, ErrCallbackDataTooLong
	}
	parts := strings.Split(strings.TrimSpace(data), ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Callback{}, ErrBadCallback
	}
	return Callback{Scope: parts[0], Action: parts[1], Args: parts[2:]}, nil
}

// Int64 returns argument i as an integer.
func (c Callback) Int64(i int) (int64, error) {
	if i < 0 || i >= len(c.Args) {
		return 0, ErrBadCallback
	}
	return strconv.ParseInt(c.Args[i], 10, 64)
}
