// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package gateway implements image.GatewayResolver against the remote image
// gateway spec §1 treats as an external collaborator ("returns an opaque
// image identifier plus a manifest"; its wire protocol is out of scope).
// This is a thin net/http client in the style the teacher itself uses for
// its own out-of-tree registry calls (internal/pkg/client/ocisif/auth.go,
// internal/pkg/build/buildkit/auth/authprovider.go) — plain net/http, no
// registry-specific SDK, since the gateway's contract here is a single
// "resolve this reference to an id" GET.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nersc/shifter/internal/pkg/errors"
	"github.com/nersc/shifter/pkg/image"
)

// Client resolves docker/custom image references against one of a site's
// configured gateway URLs (spec §3 image_gateway_url_list), trying each in
// order until one answers.
type Client struct {
	URLs []string
	HTTP *http.Client
}

// New builds a gateway Client over urls with a 30s-timeout http.Client.
func New(urls []string) *Client {
	return &Client{URLs: urls, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

type lookupResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Resolve implements image.GatewayResolver.
func (c *Client) Resolve(ctx context.Context, imageType image.Type, identifier string) (string, error) {
	if len(c.URLs) == 0 {
		return "", errors.New(errors.InvalidImageDescriptor, "no image_gateway_url_list configured")
	}
	var lastErr error
	for _, base := range c.URLs {
		id, err := c.resolveOne(ctx, base, imageType, identifier)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	return "", errors.Wrap(lastErr, errors.InvalidImageDescriptor, "no gateway in image_gateway_url_list resolved %s:%s", imageType, identifier)
}

func (c *Client) resolveOne(ctx context.Context, base string, imageType image.Type, identifier string) (string, error) {
	url := fmt.Sprintf("%s/api/lookup/%s/%s", base, imageType, identifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway %s returned %s", base, resp.Status)
	}
	var lr lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", err
	}
	if lr.ID == "" {
		return "", fmt.Errorf("gateway %s returned no id for %s:%s (status=%s)", base, imageType, identifier, lr.Status)
	}
	return lr.ID, nil
}
