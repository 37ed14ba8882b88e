package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nerrad567/hivehub/internal/protocol"
)

// RestClient issues JSON requests against the hub's REST API.
//
// Thread Safety: safe for concurrent use.
type RestClient struct {
	base   *url.URL
	info   ConnectionInfo
	client *http.Client
}

// NewRestClient creates a client for info.ServiceURL.
//
// Parameters:
//   - info: service URL and credentials
//   - httpClient: transport to use; nil creates one without a timeout, as
//     long polls hold requests open for a long time
func NewRestClient(info ConnectionInfo, httpClient *http.Client) (*RestClient, error) {
	if info.ServiceURL == "" {
		return nil, fmt.Errorf("%w: empty service url", ErrInvalidArgument)
	}
	base, err := url.Parse(strings.TrimRight(info.ServiceURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("%w: service url: %w", ErrInvalidArgument, err)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &RestClient{base: base, info: info, client: httpClient}, nil
}

// Info returns the connection info the client was created with.
func (r *RestClient) Info() ConnectionInfo {
	return r.info
}

// GetInfo fetches the server info.
func (r *RestClient) GetInfo(ctx context.Context) (*protocol.APIInfo, error) {
	var info protocol.APIInfo
	if err := r.Get(ctx, "info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Get decodes the response of a GET into out. A 204 response leaves out untouched.
func (r *RestClient) Get(ctx context.Context, path string, query url.Values, out any) error {
	return r.Do(ctx, http.MethodGet, path, query, nil, out)
}

// Post sends in as JSON and decodes the response into out.
func (r *RestClient) Post(ctx context.Context, path string, in, out any) error {
	return r.Do(ctx, http.MethodPost, path, nil, in, out)
}

// Put sends in as JSON and decodes the response into out.
func (r *RestClient) Put(ctx context.Context, path string, in, out any) error {
	return r.Do(ctx, http.MethodPut, path, nil, in, out)
}

// Delete issues a DELETE.
func (r *RestClient) Delete(ctx context.Context, path string) error {
	return r.Do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// Do performs a request relative to the service URL.
//
// Returns:
//   - error: *ServerError for 4xx and 5xx responses
func (r *RestClient) Do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := r.base.ResolveReference(&url.URL{
		Path:     strings.TrimLeft(path, "/"),
		RawQuery: query.Encode(),
	})

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s request: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("building %s %s request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeServerError(resp)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func (r *RestClient) authorize(req *http.Request) {
	switch {
	case r.info.AccessKey != "":
		req.Header.Set("Authorization", "Bearer "+r.info.AccessKey)
	case r.info.Login != "":
		req.SetBasicAuth(r.info.Login, r.info.Password)
	}
}

func decodeServerError(resp *http.Response) error {
	serr := &ServerError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(data) == 0 {
		return serr
	}
	var body protocol.ErrorBody
	if json.Unmarshal(data, &body) == nil && body.Error.Message != "" {
		serr.Code = body.Error.Code
		serr.Message = body.Error.Message
	}
	return serr
}
