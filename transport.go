/************************************************************************************
 *
 * wyre, a lightweight Go client for the Discord gateway and REST API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 The Wyre Authors
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package wyre

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// requestSpec is everything the REST router (C3) hands down to the HTTP
// transport (C1) for a single attempt. C1 performs no retries and never
// inspects rate-limit headers; that is the bucket's (C2) job.
type requestSpec struct {
	Method string
	Route  string // parameterized path, e.g. "/channels/123/messages"
	Query  string // already URL-encoded, without the leading "?"

	Body        []byte // pre-serialized JSON, or a pre-framed multipart/binary body
	ContentType string // set by the caller when Body is multipart/binary; empty means JSON

	Reason       string
	Headers      map[string]string
	AuthHeader   string // overrides the default "Bot {token}" header
	ForceHeaders bool   // when true, only Headers + computed auth are sent

	CustomBaseURL string // overrides baseURL; omits the "/v{n}" segment
	Version       string // overrides the transport's default API version

	Timeout time.Duration
}

// restResponse is C1's full result: status, headers, and raw body bytes.
// A 204 response always carries a nil Body.
type restResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// httpTransport issues a single HTTP request and returns the parsed
// envelope. It owns no rate-limit state and performs no retries.
type httpTransport struct {
	client    *http.Client
	token     string // bot token without the "Bot " prefix
	userAgent string
	baseURL   string
	version   string
}

func newHTTPTransport(client *http.Client, token, baseURL, version string) *httpTransport {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          500,
				MaxIdleConnsPerHost:   100,
				MaxConnsPerHost:       200,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		}
	}
	return &httpTransport{
		client:    client,
		token:     token,
		userAgent: "DiscordBot (" + LIB_URL + ", " + LIB_VERSION + ")",
		baseURL:   baseURL,
		version:   version,
	}
}

func (t *httpTransport) closeIdleConnections() {
	if tr, ok := t.client.Transport.(interface{ CloseIdleConnections() }); ok {
		tr.CloseIdleConnections()
	}
}

// do issues exactly one HTTP request for spec and returns the response
// envelope, or a transport/decode error. It never retries.
func (t *httpTransport) do(ctx context.Context, spec requestSpec) (*restResponse, error) {
	base := t.baseURL
	version := spec.Version
	if version == "" {
		version = t.version
	}
	omitVersion := spec.CustomBaseURL != ""
	if omitVersion {
		base = spec.CustomBaseURL
	}

	url := base
	if !omitVersion {
		url += "/v" + version
	}
	url += spec.Route
	if spec.Query != "" {
		url += "?" + spec.Query
	}

	var bodyReader io.Reader
	if spec.Body != nil {
		bodyReader = bytes.NewReader(spec.Body)
	}

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	auth := spec.AuthHeader
	if auth == "" {
		auth = "Bot " + t.token
	}
	req.Header.Set("Authorization", auth)

	if !spec.ForceHeaders {
		req.Header.Set("User-Agent", t.userAgent)
		if spec.Body != nil {
			if spec.ContentType != "" {
				req.Header.Set("Content-Type", spec.ContentType)
			} else {
				req.Header.Set("Content-Type", "application/json")
			}
		}
		req.Header.Set("Accept", "application/json")
	}

	if spec.Reason != "" {
		req.Header.Set(headerReason, spec.Reason)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return &restResponse{Status: resp.StatusCode, Headers: resp.Header}, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if len(raw) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		if !sonic.Valid(raw) {
			return nil, newRestDecodeError(spec.Method, spec.Route, io.ErrUnexpectedEOF)
		}
	}

	return &restResponse{Status: resp.StatusCode, Headers: resp.Header, Body: raw}, nil
}
