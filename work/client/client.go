package client

import (
	"net/http"
	"time"
)

// HeaderSettingClient wraps http.Client to automatically set the headers the
// external transcoding pipeline expects on every control call. Control
// requests are short-lived, so unlike a streaming client this one carries a
// hard overall timeout: the control plane must fail fast rather than hang a
// request handler on a slow pipeline.
type HeaderSettingClient struct {
	Client    *http.Client
	userAgent string
}

// NewHeaderSettingClient builds the shared outbound HTTP client.
func NewHeaderSettingClient() *HeaderSettingClient {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 10 * time.Second,
		},
	}

	return &HeaderSettingClient{
		Client:    client,
		userAgent: "streamgate/1.0",
	}
}

// Do executes the request with the standard headers applied.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", hsc.userAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")
}
