// Package cryptoutil holds the verification primitives used when loading
// updates: asset content hashes, code signing (expo-signature headers
// checked against a trusted root and optional certificate chain), and the
// legacy manifest signature verifier backed by KMS or an HTTP-served key.
package cryptoutil
