package domain

import "errors"

const MaxDeviceLabelLen = 64

var (
	ErrDeviceLabelTooLong = errors.New("device label too long")
	ErrDeviceLabelEmpty   = errors.New("device label empty")
)

// ResolveIdentity applies the naming rules for a new session: the id defaults
// to the label, and both fall back to a generated device id.
func ResolveIdentity(id SessionID, label string) (SessionID, string, bool, error) {
	if len(label) > MaxDeviceLabelLen {
		return "", "", false, ErrDeviceLabelTooLong
	}
	generated := false
	if id == "" {
		id = SessionID(label)
	}
	if id == "" {
		id = NewDeviceID()
		generated = true
	}
	if label == "" {
		label = string(id)
	}
	return id, label, generated, nil
}

// ValidateDeviceLabel is used by adapters accepting labels from users.
func ValidateDeviceLabel(label string) error {
	if len(label) == 0 {
		return ErrDeviceLabelEmpty
	}
	if len(label) > MaxDeviceLabelLen {
		return ErrDeviceLabelTooLong
	}
	return nil
}
