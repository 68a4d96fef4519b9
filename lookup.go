package nsq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// wire shape of a nsqlookupd /lookup response
type lookupResponse struct {
	Producers []*peerInfo `json:"producers"`
}

type peerInfo struct {
	RemoteAddress    string `json:"remote_address"`
	Hostname         string `json:"hostname"`
	BroadcastAddress string `json:"broadcast_address"`
	TCPPort          int    `json:"tcp_port"`
	HTTPPort         int    `json:"http_port"`
	Version          string `json:"version"`
}

// LookupClient queries nsqlookupd instances over HTTP for the nsqd producers
// of a topic
type LookupClient struct {
	client *http.Client
	log    logrus.FieldLogger
}

// NewLookupClient returns a LookupClient honoring the config's poll timeout
func NewLookupClient(cfg *Config) *LookupClient {
	return &LookupClient{
		client: &http.Client{Timeout: cfg.LookupdPollTimeout},
		log:    cfg.Logger,
	}
}

// Lookup queries a single nsqlookupd for the producers of topic and returns
// their "host:port" TCP addresses. A 404 carrying TOPIC_NOT_FOUND is a normal
// empty result; every other failure surfaces as *ErrLookup and must not
// poison the caller's producer set.
func (lc *LookupClient) Lookup(ctx context.Context, lookupdAddr, topic string) ([]string, error) {
	endpoint := fmt.Sprintf("http://%s/lookup?topic=%s", lookupdAddr, url.QueryEscape(topic))
	lc.log.WithField("endpoint", endpoint).Debug("querying lookupd")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &ErrLookup{lookupdAddr, err}
	}
	req.Header.Set("Accept", "application/vnd.nsq; version=1.0")

	resp, err := lc.client.Do(req)
	if err != nil {
		return nil, &ErrLookup{lookupdAddr, err}
	}
	defer resp.Body.Close()

	var body lookupResponse
	dec := json.NewDecoder(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		// an unknown topic is not an error; it simply has no producers yet
		var notFound struct {
			Message string `json:"message"`
		}
		if dec.Decode(&notFound) == nil && notFound.Message == "TOPIC_NOT_FOUND" {
			return nil, nil
		}
		return nil, &ErrLookup{lookupdAddr, errors.Errorf("unexpected status %q", resp.Status)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ErrLookup{lookupdAddr, errors.Errorf("unexpected status %q", resp.Status)}
	}
	if err := dec.Decode(&body); err != nil {
		return nil, &ErrLookup{lookupdAddr, errors.Wrap(err, "malformed body")}
	}

	addrs := make([]string, 0, len(body.Producers))
	for _, p := range body.Producers {
		addrs = append(addrs, fmt.Sprintf("%s:%d", p.BroadcastAddress, p.TCPPort))
	}
	sort.Strings(addrs)
	return addrs, nil
}

// union merges producer address lists, deduplicating
func union(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, set := range sets {
		for _, addr := range set {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

func validLookupdAddr(addr string) bool {
	return addr != "" && !strings.Contains(addr, "//")
}
