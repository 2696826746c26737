package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

var (
	// ErrNotFound is returned when the named parameter does not exist.
	ErrNotFound = errors.New("paramstore: parameter not found")
	// ErrInvalidValue is returned when a parameter exists but cannot be parsed.
	ErrInvalidValue = errors.New("paramstore: invalid parameter value")
)

// ssmAPI is the subset of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Client reads tenant configuration from SSM Parameter Store. Tenant
// parameters live under <prefix>/tenants/<tenantId>/<name>.
type Client struct {
	api    ssmAPI
	prefix string
}

func New(api ssmAPI, prefix string) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("paramstore: prefix must not be empty")
	}
	return &Client{api: api, prefix: prefix}, nil
}

// TenantParam returns the full parameter name for a tenant setting.
func (c *Client) TenantParam(tenantID, name string) string {
	return c.prefix + "/tenants/" + tenantID + "/" + name
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", name)
	}
	return *out.Parameter.Value, nil
}

// TenantSeconds reads a tenant setting stored as a whole number of seconds.
func (c *Client) TenantSeconds(ctx context.Context, tenantID, name string) (time.Duration, error) {
	if strings.TrimSpace(tenantID) == "" {
		return 0, errors.New("paramstore: tenant id is required")
	}
	param := c.TenantParam(tenantID, name)
	raw, err := c.GetParameter(ctx, param)
	if err != nil {
		return 0, err
	}
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("%w: %q = %q", ErrInvalidValue, param, raw)
	}
	return time.Duration(secs) * time.Second, nil
}
