// Package unsafeutil holds zero-copy conversions for the streaming hot paths.
package unsafeutil

import "unsafe"

// BytesToString views b as a string. b must not be modified while the
// string is in use.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// StringToBytes views s as a byte slice. The slice must never be written to.
func StringToBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
