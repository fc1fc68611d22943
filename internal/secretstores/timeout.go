package secretstores

import (
	"context"
	"errors"
	"time"

	dserrors "github.com/systmms/rotord/internal/errors"
	"github.com/systmms/rotord/pkg/secretstore"
)

// WithTimeout bounds every call on client by d. A call that runs out of
// time is reported as UnreachableError so it is retried like any other
// transient store failure. d <= 0 returns client unchanged.
func WithTimeout(client secretstore.Client, d time.Duration) secretstore.Client {
	if d <= 0 {
		return client
	}
	return &timeoutClient{next: client, timeout: d}
}

type timeoutClient struct {
	next    secretstore.Client
	timeout time.Duration
}

func (c *timeoutClient) Name() string { return c.next.Name() }

// check keeps typed store errors and converts a deadline we imposed.
func (c *timeoutClient) check(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if dserrors.KindOf(err) != dserrors.KindTransient || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	var unreachable secretstore.UnreachableError
	if errors.As(err, &unreachable) {
		return err
	}
	return secretstore.UnreachableError{Store: c.next.Name(), Op: op, Err: err}
}

func (c *timeoutClient) GetMetadata(ctx context.Context, classID string) (secretstore.SecretVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	v, err := c.next.GetMetadata(ctx, classID)
	return v, c.check(ctx, secretstore.OpGetMetadata, err)
}

func (c *timeoutClient) ListVersions(ctx context.Context, classID string) ([]secretstore.SecretVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	v, err := c.next.ListVersions(ctx, classID)
	return v, c.check(ctx, secretstore.OpListVersions, err)
}

func (c *timeoutClient) MintVersion(ctx context.Context, classID string) (secretstore.SecretVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	v, err := c.next.MintVersion(ctx, classID)
	return v, c.check(ctx, secretstore.OpMintVersion, err)
}

func (c *timeoutClient) ReadValue(ctx context.Context, classID, versionID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	v, err := c.next.ReadValue(ctx, classID, versionID)
	return v, c.check(ctx, secretstore.OpReadValue, err)
}

func (c *timeoutClient) Activate(ctx context.Context, classID, expectedActiveID, newID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.check(ctx, secretstore.OpActivate, c.next.Activate(ctx, classID, expectedActiveID, newID))
}

func (c *timeoutClient) Revoke(ctx context.Context, classID, versionID string, to secretstore.Status) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.check(ctx, secretstore.OpRevoke, c.next.Revoke(ctx, classID, versionID, to))
}

func (c *timeoutClient) Health(ctx context.Context) (secretstore.StoreHealth, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	h, err := c.next.Health(ctx)
	return h, c.check(ctx, secretstore.OpHealth, err)
}
