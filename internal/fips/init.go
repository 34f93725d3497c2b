// Package fips reports whether the Go FIPS 140-3 module is active.
package fips

import "crypto/fips140"

// Enabled reports whether FIPS 140-3 mode is active (GOFIPS140 build or
// GODEBUG=fips140=on).
func Enabled() bool {
	return fips140.Enabled()
}

// Status is a short label for version output.
func Status() string {
	if Enabled() {
		return "FIPS 140-3 mode"
	}
	return "FIPS 140-3 mode off"
}
