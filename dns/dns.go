package dns

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/juju/ratelimit"

	"github.com/enVId-tech/craftd/system"
)

const ErrRecordNotFound = errors.Sentinel("dns: no record matches the subdomain")

// Record is a single DNS record as reported by the registrar.
type Record struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
}

// MatchesSubdomain reports whether this record belongs to the given
// subdomain under the domain. Registrars are inconsistent about whether the
// record name is stored relative or fully qualified, and SRV records follow
// the "_minecraft._tcp." naming convention, so all four shapes are checked.
func (r Record) MatchesSubdomain(subdomain, domain string) bool {
	name := strings.TrimSuffix(r.Name, ".")
	return name == subdomain ||
		name == subdomain+"."+domain ||
		strings.HasPrefix(name, subdomain+".") ||
		name == "_minecraft._tcp."+subdomain ||
		name == "_minecraft._tcp."+subdomain+"."+domain
}

// Client is the registrar contract consumed by the decommission workflow.
type Client interface {
	Records(ctx context.Context, domain string) ([]Record, error)
	DeleteRecord(ctx context.Context, domain string, id string) error
	// DeleteServiceRecord removes the SRV record for a subdomain following
	// the "_minecraft._tcp.<subdomain>" convention.
	DeleteServiceRecord(ctx context.Context, domain string, subdomain string) error
}

type client struct {
	httpClient *http.Client
	baseUrl    string
	key        string
	bucket     *ratelimit.Bucket
}

// New returns a registrar API client. Requests are throttled through a token
// bucket because record cleanup during a decommission bursts several calls
// and registrars rate limit aggressively.
func New(endpoint string, key string, requestsPerSecond float64) Client {
	return &client{
		httpClient: &http.Client{Timeout: time.Second * 15},
		baseUrl:    strings.TrimSuffix(endpoint, "/"),
		key:        key,
		bucket:     ratelimit.NewBucketWithRate(requestsPerSecond, 1),
	}
}

func (c *client) request(ctx context.Context, method, path string, out interface{}) error {
	c.bucket.Wait(1)

	req, err := http.NewRequestWithContext(ctx, method, c.baseUrl+path, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("User-Agent", fmt.Sprintf("Craftd/v%s", system.Version))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.key)

	log.WithFields(log.Fields{"method": method, "endpoint": path}).Debug("making request to DNS registrar")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return ErrRecordNotFound
	}
	if res.StatusCode >= 300 || res.StatusCode < 200 {
		return errors.Errorf("dns: registrar returned unexpected status %d for %s", res.StatusCode, path)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return errors.Wrap(err, "dns: could not decode registrar response")
		}
	}
	return nil
}

func (c *client) Records(ctx context.Context, domain string) ([]Record, error) {
	var wrapper struct {
		Records []Record `json:"records"`
	}
	if err := c.request(ctx, http.MethodGet, "/domains/"+domain+"/records", &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Records, nil
}

func (c *client) DeleteRecord(ctx context.Context, domain string, id string) error {
	return c.request(ctx, http.MethodDelete, "/domains/"+domain+"/records/"+id, nil)
}

func (c *client) DeleteServiceRecord(ctx context.Context, domain string, subdomain string) error {
	records, err := c.Records(ctx, domain)
	if err != nil {
		return err
	}
	name := "_minecraft._tcp." + subdomain
	for _, r := range records {
		if r.Type != "SRV" {
			continue
		}
		if trimmed := strings.TrimSuffix(r.Name, "."); trimmed == name || trimmed == name+"."+domain {
			return c.DeleteRecord(ctx, domain, r.ID)
		}
	}
	return ErrRecordNotFound
}
