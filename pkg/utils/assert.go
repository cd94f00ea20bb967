// Package utils provides small shared helpers.
package utils

// SafeAssert performs a type assertion and returns the zero value with
// ok=false instead of panicking when the assertion fails.
func SafeAssert[T any](value any) (T, bool) {
	typed, ok := value.(T)
	if !ok {
		var zero T
		return zero, false
	}
	return typed, true
}

// AssertOr performs a type assertion and falls back to a default value.
func AssertOr[T any](value any, fallback T) T {
	if typed, ok := value.(T); ok {
		return typed
	}
	return fallback
}
