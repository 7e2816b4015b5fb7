package utils

import (
	"sync"
	"unsafe"
)

var interned sync.Map

// Intern returns a canonical string for buf so hot-path map lookups
// (endpoint table, cache keys) do not allocate a fresh copy per
// request.
func Intern(buf []byte) string {
	if v, ok := interned.Load(string(buf)); ok {
		return v.(string)
	}

	s := string(buf)
	interned.Store(s, s)
	return s
}

// BytesToString aliases b without copying. The caller must not let the
// result outlive the buffer.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}
