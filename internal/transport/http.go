package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mattjoyce/bexchange/internal/auth"
	"github.com/mattjoyce/bexchange/internal/connector"
	"github.com/mattjoyce/bexchange/internal/meta"
)

// HeaderMetadata carries the JSON metadata document of a posted payload.
const HeaderMetadata = auth.HeaderMetadata

// maxErrorBody caps how much of a rejected response ends up in the error.
const maxErrorBody = 512

// HTTP posts the payload bytes to a peer's submit endpoint with the metadata
// in a header, signed as this node.
type HTTP struct {
	address string
	headers map[string]string
	signer  *auth.Signer
	client  *http.Client
}

func NewHTTP(address string, signer *auth.Signer, headers map[string]string, client *http.Client) (*HTTP, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse http address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("http address %q must use http or https", address)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("http address %q has no host", address)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{address: address, headers: headers, signer: signer, client: client}, nil
}

func newHTTPFromSpec(_ string, spec Spec, _ Deps) (connector.Transport, error) {
	return NewHTTP(spec.Address, spec.Signer, spec.Headers, nil)
}

func (h *HTTP) Name() string { return TypeHTTP }

// Send posts one item. Refused connections and 5xx answers are retryable;
// 4xx answers other than 408 and 429 mean the peer will never accept the item
// and come back permanent.
func (h *HTTP) Send(ctx context.Context, payload meta.Payload, m *meta.Metadata) error {
	body, err := readPayload(payload)
	if err != nil {
		return connector.Permanent(err)
	}
	doc, err := meta.EncodeDocument(m)
	if err != nil {
		return connector.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.address, bytes.NewReader(body))
	if err != nil {
		return connector.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderMetadata, string(doc))
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	if h.signer != nil {
		h.signer.Sign(req, body)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", h.address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err = fmt.Errorf("peer answered %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return err
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return connector.Permanent(err)
	}
	return err
}

func readPayload(p meta.Payload) ([]byte, error) {
	if p.Data != nil {
		return p.Data, nil
	}
	if p.IsZero() {
		return nil, fmt.Errorf("item has no payload")
	}
	rc, err := p.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read payload %s: %w", p.Path, err)
	}
	return data, nil
}
