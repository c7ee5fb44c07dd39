// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ugorji/go/codec"
)

var jsonHandle = &codec.JsonHandle{}

type httpRequest struct {
	Text           string `codec:"text"`
	SourceLanguage string `codec:"source_lang"`
	TargetLanguage string `codec:"target_lang"`
	Model          string `codec:"model,omitempty"`
}

type httpResponse struct {
	TranslatedText string  `codec:"translated_text"`
	Confidence     float64 `codec:"confidence"`
	Model          string  `codec:"model"`
}

// HTTP posts requests as JSON to an external inference service.
type HTTP struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewHTTP creates an HTTP backend for endpoint.
func NewHTTP(endpoint, model string, timeout time.Duration) (*HTTP, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("backend: invalid endpoint: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: endpoint '%v' is not an http(s) URL", endpoint)
	}
	return &HTTP{
		endpoint: u.String(),
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// ID implements Backend.
func (h *HTTP) ID() string {
	if h.model != "" {
		return h.model
	}
	return KindHTTP
}

// Process implements Backend.
func (h *HTTP) Process(ctx context.Context, text, src, dst string) (string, float64, error) {
	var body bytes.Buffer
	req := &httpRequest{Text: text, SourceLanguage: src, TargetLanguage: dst, Model: h.model}
	if err := codec.NewEncoder(&body, jsonHandle).Encode(req); err != nil {
		return "", 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, &body)
	if err != nil {
		return "", 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	rsp, err := h.client.Do(httpReq)
	if err != nil {
		return "", 0, err
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(rsp.Body, 4096))
		return "", 0, fmt.Errorf("unexpected status %s", rsp.Status)
	}

	var out httpResponse
	if err := codec.NewDecoder(io.LimitReader(rsp.Body, 1<<20), jsonHandle).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("invalid response body: %v", err)
	}
	return out.TranslatedText, out.Confidence, nil
}
