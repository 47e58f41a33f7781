// Package testutil provides shared test helpers and fixtures for privypress tests.
package testutil

// Test key material for use in tests only.
const (
	// TestSigningKey is the HMAC key for job record signatures (≥32 bytes).
	TestSigningKey = "test-signing-key-1234567890123456"
	// TestArtifactKey is the secretbox key for artifacts at rest (exactly 32 bytes).
	TestArtifactKey = "12345678901234567890123456789012"
)

// Geometry of documents built by NewDocument: US Letter, 10pt monospace.
const (
	PageWidth    = 612.0
	PageHeight   = 792.0
	Margin       = 54.0
	Leading      = 14.0
	GlyphAdvance = 6.0
	GlyphHeight  = 10.0
)
