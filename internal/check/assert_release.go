//go:build !debug

// Package check holds caller-contract assertions. Build with -tags debug to
// turn violations into panics; release builds compile them away.
package check

// Assert is a no-op in release builds.
func Assert(_ bool, _ string) {}

// Assertf is a no-op in release builds.
func Assertf(_ bool, _ string, _ ...any) {}

// Enabled reports whether assertions panic in this build.
func Enabled() bool { return false }
