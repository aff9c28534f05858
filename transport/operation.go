package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/squareup/corax/cluster"
	"github.com/squareup/corax/errors"
)

// Response is the raw result handed back through the executor on success.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Node is the node that actually served the request, which after leader
	// redirects or read striping is not necessarily the one first tried.
	Node *cluster.NodeDescriptor
}

// Operation builds a dispatchable closure for one logical request. The body
// is captured as bytes so retries, failovers and redirects can replay it.
func (t *Transport) Operation(path string, body []byte) cluster.Operation {
	return func(ctx context.Context, call *cluster.Call) (interface{}, error) {
		return t.do(ctx, call, path, body)
	}
}

func (t *Transport) do(ctx context.Context, call *cluster.Call, path string, body []byte) (*Response, error) {
	endpoint := call.Node.URL() + "/" + strings.TrimLeft(path, "/")
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, endpoint, reader)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set(HeaderClusterAware, "true")
	if call.ReadBehaviorAll {
		req.Header.Set(HeaderReadBehavior, "All")
	}
	if call.FailoverHeader {
		req.Header.Set(HeaderFailoverBehavior, "true")
	}
	if key := call.Node.Credentials().APIKey; key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer closeResponseBody(resp)
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       data,
			Node:       call.Node,
		}, nil
	}
	return nil, responseError(call.Node, resp, data)
}

func responseError(node *cluster.NodeDescriptor, resp *http.Response, body []byte) *cluster.ResponseError {
	return &cluster.ResponseError{
		StatusCode:     resp.StatusCode,
		Status:         resp.Status,
		URL:            node.URL(),
		Location:       resp.Header.Get("Location"),
		LeaderRedirect: strings.EqualFold(resp.Header.Get(HeaderLeaderRedirect), "true"),
		Body:           string(body),
	}
}
