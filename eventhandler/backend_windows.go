//go:build windows

package eventhandler

// usesCompletionBackend selects between loop.go's two event-translation
// paths: Variant C (completion, spec §4.D second half) on Windows.
const usesCompletionBackend = true
