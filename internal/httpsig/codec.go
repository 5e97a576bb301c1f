// Package httpsig implements the HTTP signature scheme used for ActivityPub
// federation: a SHA-256 digest over the request body and an RSA signature
// over a fixed set of canonical headers.
package httpsig

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// SignedHeaders is the fixed, ordered set of components covered by a
// signature. Signer and verifier must agree on this list byte for byte.
const SignedHeaders = "(request-target) host date digest content-type"

// Digest computes the body digest header value: SHA-256 over the literal
// bytes transmitted, base64 encoded. Any re-serialization of the body
// invalidates it.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// SigningString builds the exact byte string both sides sign and verify. It
// is pure: the caller supplies the date, and the header set and order are
// fixed by SignedHeaders.
func SigningString(method, path, host, date, digest, contentType string) string {
	return fmt.Sprintf(
		"(request-target): %s %s\nhost: %s\ndate: %s\ndigest: %s\ncontent-type: %s",
		strings.ToLower(method), path, host, date, digest, contentType,
	)
}
