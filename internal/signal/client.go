// SPDX-License-Identifier: MIT

package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wiserhq/meetsync/internal/platform/httpx"
)

// maxResponseBytes bounds signaler responses read by the client.
const maxResponseBytes = 1 << 20

// Client talks to a LAN signaler from the guest side.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  zerolog.Logger
}

// NewClient builds a client for the signaler at baseURL
// (e.g. "http://192.168.1.20:48117").
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   httpx.NewClient(timeout),
		logger:  logger,
	}
}

// Ping probes the signaler. A nil return means the host answered.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.get(ctx, "/ping")
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signaler ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// FetchOffer retrieves the pending offer for a room. Returns ErrNotFound
// when the room is unknown or already answered, ErrExpired when the
// session's TTL has lapsed.
func (c *Client) FetchOffer(ctx context.Context, roomName string) ([]byte, error) {
	resp, err := c.get(ctx, "/session/"+roomName)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return readBody(resp)
	case http.StatusGone:
		return nil, ErrExpired
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("fetch offer: unexpected status %d", resp.StatusCode)
	}
}

// SubmitAnswer posts the guest's SDP answer. Repeats after the first
// accepted write are ignored by the server; both return nil here.
func (c *Client) SubmitAnswer(ctx context.Context, roomName string, payload []byte) error {
	body, err := json.Marshal(struct {
		SDPAnswer json.RawMessage `json:"sdpAnswer"`
	}{SDPAnswer: asJSONValue(payload)})
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}

	resp, err := c.post(ctx, "/session/"+roomName+"/answer", body)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	default:
		return fmt.Errorf("submit answer: unexpected status %d", resp.StatusCode)
	}
}

// FetchAnswer reads the stored answer from the host side. ready is false
// while no answer has arrived yet.
func (c *Client) FetchAnswer(ctx context.Context, roomName string) (payload []byte, ready bool, err error) {
	resp, err := c.get(ctx, "/session/"+roomName+"/answer")
	if err != nil {
		return nil, false, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		b, err := readBody(resp)
		return b, err == nil, err
	case http.StatusNoContent:
		return nil, false, nil
	case http.StatusNotFound, http.StatusGone:
		return nil, false, ErrNotFound
	default:
		return nil, false, fmt.Errorf("fetch answer: unexpected status %d", resp.StatusCode)
	}
}

// PublishStatus posts a guest status document for the host to observe.
func (c *Client) PublishStatus(ctx context.Context, roomName string, status []byte) error {
	if !json.Valid(status) {
		return fmt.Errorf("publish status: payload is not valid JSON")
	}

	resp, err := c.post(ctx, "/session/"+roomName+"/status", status)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	default:
		return fmt.Errorf("publish status: unexpected status %d", resp.StatusCode)
	}
}

// FetchStatus reads the latest guest status. A nil payload with nil
// error means none has been published.
func (c *Client) FetchStatus(ctx context.Context, roomName string) ([]byte, error) {
	resp, err := c.get(ctx, "/session/"+roomName+"/status")
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return readBody(resp)
	case http.StatusNoContent:
		return nil, nil
	case http.StatusNotFound, http.StatusGone:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("fetch status: unexpected status %d", resp.StatusCode)
	}
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signaler request: %w", err)
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signaler request: %w", err)
	}
	return resp, nil
}

// asJSONValue embeds payload as-is when it already is a JSON value and
// string-encodes it otherwise, so opaque SDP blobs survive the trip.
func asJSONValue(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return json.RawMessage(quoted)
}

func readBody(resp *http.Response) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return b, nil
}

// drain discards the remaining body so connections can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
}
