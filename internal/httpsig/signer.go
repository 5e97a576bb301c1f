package httpsig

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
)

// Sign attaches Date, Digest and Signature headers to an outgoing request.
// body must be the literal bytes that will be transmitted; keyID is the
// sending actor's key identifier ("{actor_url}#main-key"). The request's
// Content-Type header must already be set, since it is part of the signed
// material.
func Sign(req *http.Request, body []byte, keyID string, key *rsa.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("sign request: private key is nil")
	}

	date := time.Now().UTC().Format(http.TimeFormat)
	digest := Digest(body)
	contentType := req.Header.Get("Content-Type")

	path := req.URL.RequestURI()
	signingString := SigningString(req.Method, path, req.URL.Host, date, digest, contentType)

	hashed := sha256.Sum256([]byte(signingString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	req.Header.Set("Date", date)
	req.Header.Set("Digest", digest)
	req.Header.Set("Signature", fmt.Sprintf(
		`keyId="%s",algorithm="rsa-sha256",headers="%s",signature="%s"`,
		keyID, SignedHeaders, base64.StdEncoding.EncodeToString(sig),
	))
	return nil
}
