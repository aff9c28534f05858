package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/squareup/corax/cluster"
	"github.com/squareup/corax/errors"
)

// FetchTopology asks one node for its replication topology. It satisfies
// cluster.FetchFunc.
func (t *Transport) FetchTopology(ctx context.Context, node *cluster.NodeDescriptor) (*cluster.TopologyDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.URL()+"/replication/topology", nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set(HeaderClusterAware, "true")
	if key := node.Credentials().APIKey; key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer closeResponseBody(resp)
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, responseError(node, resp, data)
	}
	doc := &cluster.TopologyDocument{}
	if err := json.NewDecoder(resp.Body).Decode(doc); err != nil {
		return nil, errors.Wrapf(err, "invalid topology document from %s", node.URL())
	}
	return doc, nil
}

func closeResponseBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		log.Debugf("failed to close response body %+v", err)
	}
}
