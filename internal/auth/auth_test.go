package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc", want: "abc"},
		{name: "padded", header: "Bearer   abc  ", want: "abc"},
		{name: "missing", header: "", wantErr: true},
		{name: "basic", header: "Basic abc", wantErr: true},
		{name: "blank", header: "Bearer   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{ScopeStatsRO, " "}},
		{Token: "operator", Scopes: []string{ScopeProcessorsRW}},
	}

	admin, ok := Authenticate("admin-key", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(admin, ScopeSubmit))

	reader, ok := Authenticate("reader", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(reader, ScopeStatsRO))
	assert.False(t, HasAnyScope(reader, ScopeSubmit))
	assert.Len(t, reader.Scopes, 1)

	op, ok := Authenticate("operator", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(op, ScopeProcessorsRO), "rw implies ro")

	_, ok = Authenticate("nope", "admin-key", tokens)
	assert.False(t, ok)
	_, ok = Authenticate("", "", nil)
	assert.False(t, ok)
}

func TestKnownScope(t *testing.T) {
	assert.True(t, KnownScope(ScopeEventsRO))
	assert.True(t, KnownScope(ScopeOriginSet))
	assert.False(t, KnownScope("jobs:rw"))
}

func signedRequest(t *testing.T, s *Signer, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	req.Header.Set(HeaderMetadata, `{"what":{"object":"PVOL"}}`)
	s.Sign(req, []byte(body))
	return req
}

func TestSignAndVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, err := NewSigner("sekkr", "s3cret")
	require.NoError(t, err)
	s.now = func() time.Time { return now }

	v := NewVerifier(map[string]string{"sekkr": "s3cret", "other": "x"}, time.Minute)
	v.now = func() time.Time { return now.Add(30 * time.Second) }

	req := signedRequest(t, s, "payload")
	assert.True(t, Signed(req))
	node, err := v.Verify(req, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "sekkr", node)

	tests := []struct {
		name   string
		mutate func(*http.Request) []byte
	}{
		{name: "tampered body", mutate: func(*http.Request) []byte { return []byte("payloaD") }},
		{name: "unknown node", mutate: func(r *http.Request) []byte {
			r.Header.Set(HeaderNode, "mallory")
			return []byte("payload")
		}},
		{name: "wrong peer secret", mutate: func(r *http.Request) []byte {
			r.Header.Set(HeaderNode, "other")
			return []byte("payload")
		}},
		{name: "bad timestamp", mutate: func(r *http.Request) []byte {
			r.Header.Set(HeaderTimestamp, "yesterday")
			return []byte("payload")
		}},
		{name: "bad hex", mutate: func(r *http.Request) []byte {
			r.Header.Set(HeaderSignature, "sha256=zz")
			return []byte("payload")
		}},
		{name: "tampered metadata", mutate: func(r *http.Request) []byte {
			r.Header.Set(HeaderMetadata, `{"what":{"object":"SCAN","source":"NOD:forged"}}`)
			return []byte("payload")
		}},
		{name: "metadata removed", mutate: func(r *http.Request) []byte {
			r.Header.Del(HeaderMetadata)
			return []byte("payload")
		}},
		{name: "other path", mutate: func(r *http.Request) []byte {
			r.URL.Path = "/processors"
			return []byte("payload")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := signedRequest(t, s, "payload")
			body := tt.mutate(req)
			_, err := v.Verify(req, body)
			assert.EqualError(t, err, "signature verification failed")
		})
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, err := NewSigner("sekkr", "s3cret")
	require.NoError(t, err)
	s.now = func() time.Time { return now }

	v := NewVerifier(map[string]string{"sekkr": "s3cret"}, 0)
	v.now = func() time.Time { return now.Add(DefaultMaxSkew + time.Second) }

	_, err = v.Verify(signedRequest(t, s, "x"), []byte("x"))
	assert.Error(t, err)
}

func TestNewSignerValidation(t *testing.T) {
	_, err := NewSigner("", "x")
	assert.Error(t, err)
	_, err = NewSigner("sekkr", "")
	assert.Error(t, err)
}
