// Package domain contains entities without logic, just meta-data
package domain

import "unicode/utf8"

const MaxUserIDLen = 64

type (
	UserID   string
	DeviceID string
)

// ValidUserID reports whether id is usable as an identity key.
func ValidUserID(id UserID) bool {
	return id != "" && utf8.RuneCountInString(string(id)) <= MaxUserIDLen
}
