package renter

import (
	"context"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/renterhost"
)

// A DialContextFn dials a network address.
type DialContextFn func(ctx context.Context, network, addr string) (net.Conn, error)

// HTTPTransport implements ShardTransport against a provider's HTTP shard
// service.
type HTTPTransport struct {
	client *http.Client
}

// ShardURL returns the URL of a shard on a provider's shard service.
func ShardURL(c hostdb.Contact, hash crypto.Hash, token renterhost.Token) string {
	return (&url.URL{
		Scheme:   "http",
		Host:     c.ShardAddress,
		Path:     "/shards/" + hash.String(),
		RawQuery: url.Values{"token": []string{token.String()}}.Encode(),
	}).String()
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 1024))
	return errors.Errorf("shard service returned %v: %s", resp.Status, strings.TrimSpace(string(msg)))
}

// Upload implements ShardTransport.
func (t *HTTPTransport) Upload(ctx context.Context, c hostdb.Contact, hash crypto.Hash, token renterhost.Token, r io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, ShardURL(c, hash, token), ioutil.NopCloser(r))
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "upload failed")
	}
	defer resp.Body.Close()
	return checkResponse(resp)
}

// Download implements ShardTransport.
func (t *HTTPTransport) Download(ctx context.Context, c hostdb.Contact, hash crypto.Hash, token renterhost.Token) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ShardURL(c, hash, token), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "download failed")
	}
	if err := checkResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// NewHTTPTransport returns an HTTPTransport that dials providers with dial,
// which may route connections through a proxy. If dial is nil, connections
// are made directly.
func NewHTTPTransport(dial DialContextFn, timeout time.Duration) *HTTPTransport {
	if dial == nil {
		dial = (&net.Dialer{Timeout: timeout}).DialContext
	}
	return &HTTPTransport{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           dial,
				ResponseHeaderTimeout: timeout,
				MaxIdleConnsPerHost:   4,
			},
		},
	}
}
