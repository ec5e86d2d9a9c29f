// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdhttp "net/http"
	"net/url"
	"strconv"

	"github.com/wneessen/location-updates/internal/broadcast"
	"github.com/wneessen/location-updates/internal/http"
	"github.com/wneessen/location-updates/internal/locator"
	"github.com/wneessen/location-updates/internal/logger"
	"github.com/wneessen/location-updates/internal/service"
)

// baseURL is the URL of the control API. The host is ignored, all requests go to the socket.
const baseURL = "http://location-updates"

// ErrUnexpectedStatus is returned when the daemon answers with an unexpected HTTP status.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// Client talks to the control API of a running daemon.
type Client struct {
	http   *http.Client
	logger *logger.Logger
}

type statusResponse struct {
	service.Status
	Error string `json:"error,omitempty"`
}

func NewClient(log *logger.Logger, socket string) *Client {
	return &Client{http: http.NewUnix(log, socket), logger: log}
}

// Start requests location updates and returns the resulting state.
func (c *Client) Start(ctx context.Context) (service.Status, error) {
	resp := new(statusResponse)
	code, err := c.http.Post(ctx, baseURL+PathUpdates, resp, nil, nil)
	return checkResponse(resp, code, err)
}

// Stop removes location updates and returns the resulting state.
func (c *Client) Stop(ctx context.Context) (service.Status, error) {
	resp := new(statusResponse)
	code, err := c.http.Delete(ctx, baseURL+PathUpdates, resp, nil)
	return checkResponse(resp, code, err)
}

func (c *Client) Status(ctx context.Context) (service.Status, error) {
	resp := new(statusResponse)
	code, err := c.http.Get(ctx, baseURL+PathState, resp, nil, nil)
	return checkResponse(resp, code, err)
}

// Watch attaches to the daemon and calls fn for every event until ctx is cancelled or the daemon
// closes the stream. A transient watch announces that the client is going to attach again
// shortly.
func (c *Client) Watch(ctx context.Context, transient bool, fn func(broadcast.Event)) error {
	query := url.Values{}
	if transient {
		query.Set("transient", strconv.FormatBool(transient))
	}
	endpoint := baseURL + PathEvents
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	request, err := stdhttp.NewRequestWithContext(ctx, stdhttp.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed create new HTTP request with context: %w", err)
	}
	request.Header.Set("User-Agent", http.UserAgent)

	response, err := c.http.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to attach to daemon: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Error("failed to close HTTP request body", logger.Err(err))
		}
	}(response.Body)

	decoder := json.NewDecoder(response.Body)
	if response.StatusCode != stdhttp.StatusOK {
		resp := new(statusResponse)
		_ = decoder.Decode(resp)
		_, err = checkResponse(resp, response.StatusCode, nil)
		return err
	}
	for {
		var event broadcast.Event
		if err = decoder.Decode(&event); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode event: %w", err)
		}
		fn(event)
	}
}

func checkResponse(resp *statusResponse, code int, err error) (service.Status, error) {
	switch {
	case err != nil:
		return service.Status{}, err
	case code == stdhttp.StatusOK:
		return resp.Status, nil
	case code == stdhttp.StatusForbidden:
		return service.Status{}, fmt.Errorf("%w: %s", locator.ErrPermissionDenied, resp.Error)
	default:
		return service.Status{}, fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, code, resp.Error)
	}
}
