package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"streamgate/work/client"
	"streamgate/work/logger"
	"streamgate/work/types"
)

// Controller starts and stops rendition ladders on the external transcoding
// pipeline. Delivery initialization asks the controller to spin up the
// ladder; StopDelivery tears it down. Implementations must be safe for
// concurrent use.
type Controller interface {
	StartLadder(ctx context.Context, stream types.LiveStream) error
	StopLadder(ctx context.Context, streamID string) error
}

// HTTPController drives a transcoder over its HTTP control API.
type HTTPController struct {
	baseURL    string
	httpClient *client.HeaderSettingClient
}

// NewHTTPController builds a controller targeting the transcoder at baseURL.
func NewHTTPController(baseURL string, httpClient *client.HeaderSettingClient) *HTTPController {
	return &HTTPController{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// ladderRequest is the control-API payload for starting a rendition ladder.
type ladderRequest struct {
	StreamID  string   `json:"streamId"`
	Qualities []string `json:"qualities"`
}

// StartLadder asks the transcoder to begin producing the stream's configured
// renditions.
func (c *HTTPController) StartLadder(ctx context.Context, stream types.LiveStream) error {
	qualities := make([]string, 0, len(stream.Qualities))
	for _, v := range stream.Qualities {
		qualities = append(qualities, v.Quality)
	}

	body, err := json.Marshal(ladderRequest{StreamID: stream.ID, Qualities: qualities})
	if err != nil {
		return fmt.Errorf("encode ladder request for %s: %w", stream.ID, err)
	}

	return c.post(ctx, "/ladders", body)
}

// StopLadder asks the transcoder to tear down the stream's renditions.
func (c *HTTPController) StopLadder(ctx context.Context, streamID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/ladders/"+streamID, nil)
	if err != nil {
		return fmt.Errorf("build stop request for %s: %w", streamID, err)
	}
	return c.do(req)
}

func (c *HTTPController) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *HTTPController) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transcoder %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("transcoder %s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	logger.Debug("{transcode/controller - do} Transcoder %s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)
	return nil
}

// NoopController satisfies Controller without an external transcoder, for
// deployments where the pipeline is driven out-of-band and only announces
// segments. Also used by tests.
type NoopController struct{}

func (NoopController) StartLadder(context.Context, types.LiveStream) error { return nil }
func (NoopController) StopLadder(context.Context, string) error            { return nil }
