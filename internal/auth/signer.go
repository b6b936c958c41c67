package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers carried by signed peer requests.
const (
	HeaderNode      = "X-Bexchange-Node"
	HeaderTimestamp = "X-Bexchange-Timestamp"
	HeaderSignature = "X-Bexchange-Signature"
	// HeaderMetadata carries the metadata document of a raw payload. It is
	// part of the signed content.
	HeaderMetadata = "X-Bexchange-Metadata"
)

// DefaultMaxSkew is how far a signed timestamp may drift from the receiver's
// clock.
const DefaultMaxSkew = 5 * time.Minute

var errVerification = errors.New("signature verification failed")

// Signer signs outgoing requests as one node with a shared secret.
type Signer struct {
	Node   string
	Secret string
	now    func() time.Time
}

func NewSigner(node, secret string) (*Signer, error) {
	if strings.TrimSpace(node) == "" {
		return nil, fmt.Errorf("signer node name is empty")
	}
	if secret == "" {
		return nil, fmt.Errorf("signer secret for node %q is empty", node)
	}
	return &Signer{Node: node, Secret: secret, now: time.Now}, nil
}

// Sign sets the node, timestamp and signature headers on req for body. The
// metadata header must already be set.
func (s *Signer) Sign(req *http.Request, body []byte) {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	req.Header.Set(HeaderNode, s.Node)
	req.Header.Set(HeaderTimestamp, ts)
	sig := computeSignature(s.Secret, req.Method, req.URL.Path, ts, req.Header.Get(HeaderMetadata), body)
	req.Header.Set(HeaderSignature, "sha256="+sig)
}

// Verifier checks signed requests against the secrets of known peers.
type Verifier struct {
	secrets map[string]string
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier maps peer node names to their shared secrets.
func NewVerifier(secrets map[string]string, maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	cp := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cp[k] = v
	}
	return &Verifier{secrets: cp, maxSkew: maxSkew, now: time.Now}
}

// Signed reports whether req carries a peer signature at all.
func Signed(req *http.Request) bool {
	return req.Header.Get(HeaderSignature) != ""
}

// Verify returns the peer node that signed req. Errors are deliberately
// generic so a caller cannot tell which part failed.
func (v *Verifier) Verify(req *http.Request, body []byte) (string, error) {
	node := req.Header.Get(HeaderNode)
	secret, ok := v.secrets[node]
	if !ok || secret == "" {
		return "", errVerification
	}

	ts := req.Header.Get(HeaderTimestamp)
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", errVerification
	}
	if skew := v.now().Sub(time.Unix(sec, 0)); skew > v.maxSkew || skew < -v.maxSkew {
		return "", errVerification
	}

	actual, err := parseSignature(req.Header.Get(HeaderSignature))
	if err != nil {
		return "", errVerification
	}
	expected, _ := hex.DecodeString(computeSignature(secret, req.Method, req.URL.Path, ts, req.Header.Get(HeaderMetadata), body))
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return "", errVerification
	}
	return node, nil
}

// computeSignature is hex HMAC-SHA256 over method, path, timestamp, the
// metadata header digest and the body digest, newline separated.
func computeSignature(secret, method, path, ts, metadata string, body []byte) string {
	metaDigest := sha256.Sum256([]byte(metadata))
	bodyDigest := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method + "\n" + path + "\n" + ts + "\n" +
		hex.EncodeToString(metaDigest[:]) + "\n" + hex.EncodeToString(bodyDigest[:])))
	return hex.EncodeToString(mac.Sum(nil))
}

// parseSignature accepts "sha256=<hex>" or plain hex.
func parseSignature(signature string) ([]byte, error) {
	if signature == "" {
		return nil, errVerification
	}
	return hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
}
