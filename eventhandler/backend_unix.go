//go:build linux || darwin

package eventhandler

// usesCompletionBackend selects between loop.go's two event-translation
// paths: Variant R (readiness, spec §4.D first half) on POSIX.
const usesCompletionBackend = false
