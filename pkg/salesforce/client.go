// Package salesforce publishes catalog products as Product2 records over the
// REST API, authenticating with the JWT bearer flow.
package salesforce

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client is the subset of the REST API the publisher needs.
type Client interface {
	Query(ctx context.Context, soql string, out any) error
	InsertOne(ctx context.Context, sObject string, record map[string]any) (string, error)
	UpdateOne(ctx context.Context, sObject, id string, fields map[string]any) error
}

// Option configures the client.
type Option func(*restClient)

// WithRateLimit caps calls per second. The burst is the whole part of rps,
// at least one.
func WithRateLimit(rps float64) Option {
	return func(c *restClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// restClient adapts go-salesforce, whose calls take no context; ctx only
// bounds the limiter wait.
type restClient struct {
	sf      *salesforce.Salesforce
	limiter *rate.Limiter
}

// NewClient wraps an initialised go-salesforce session.
func NewClient(sf *salesforce.Salesforce, opts ...Option) Client {
	c := &restClient{sf: sf}
	for _, o := range opts {
		o(c)
	}
	return c
}

// JWTConfig holds the connected-app settings for the JWT bearer flow.
type JWTConfig struct {
	LoginURL string
	Username string
	ClientID string
	KeyPEM   string
}

func (c JWTConfig) validate() error {
	var missing []string
	for _, f := range [...]struct{ name, v string }{
		{"client id", c.ClientID},
		{"username", c.Username},
		{"private key", c.KeyPEM},
	} {
		if strings.TrimSpace(f.v) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return eris.Errorf("salesforce: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// NewJWTClient signs in with the connected app and returns a Client.
func NewJWTClient(cfg JWTConfig, opts ...Option) (Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.LoginURL,
		Username:       cfg.Username,
		ConsumerKey:    cfg.ClientID,
		ConsumerRSAPem: cfg.KeyPEM,
	})
	if err != nil {
		return nil, eris.Wrap(err, "salesforce: jwt sign-in")
	}
	return NewClient(sf, opts...), nil
}

// call waits for the limiter, then runs fn, labelling errors with op.
func (c *restClient) call(ctx context.Context, op string, fn func() error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrapf(err, "salesforce: %s: rate limit", op)
		}
	}
	if err := fn(); err != nil {
		return eris.Wrapf(err, "salesforce: %s", op)
	}
	return nil
}

func (c *restClient) Query(ctx context.Context, soql string, out any) error {
	return c.call(ctx, "query", func() error {
		return c.sf.Query(soql, out)
	})
}

func (c *restClient) InsertOne(ctx context.Context, sObject string, record map[string]any) (string, error) {
	var id string
	err := c.call(ctx, "insert "+sObject, func() error {
		res, err := c.sf.InsertOne(sObject, record)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("rejected: %v", res.Errors)
		}
		id = res.Id
		return nil
	})
	return id, err
}

// UpdateOne patches the record; fields is not modified.
func (c *restClient) UpdateOne(ctx context.Context, sObject, id string, fields map[string]any) error {
	record := maps.Clone(fields)
	if record == nil {
		record = make(map[string]any, 1)
	}
	record["Id"] = id
	return c.call(ctx, fmt.Sprintf("update %s %s", sObject, id), func() error {
		return c.sf.UpdateOne(sObject, record)
	})
}
