// Package c8y is the Cumulocity collaborator used by the operation
// handler: event creation, binary upload by event id, managed-object
// lookup/removal by external id, and SmartREST operation-status
// notifications sent over the local bridge prefix. All HTTP traffic goes
// through the local Cumulocity proxy so the agent never holds cloud
// credentials itself.
package c8y

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/reubenmiller/go-c8y/pkg/c8y"
	"github.com/sony/gobreaker"
)

// Client wraps the go-c8y client with a circuit breaker so that a
// flapping cloud endpoint fast-fails operation tasks instead of piling
// up blocked goroutines.
type Client struct {
	c8y     *c8y.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a client talking to the local Cumulocity proxy at
// host:port over plain HTTP; the proxy terminates TLS and injects
// credentials.
func NewClient(host string, port uint16) *Client {
	c8yURL := fmt.Sprintf("http://%s:%d/c8y", host, port)
	return &Client{
		c8y: c8y.NewClient(nil, c8yURL, "", "", "", true),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "c8y",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Cumulocity circuit breaker state changed.", "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (c *Client) execute(fn func() (any, error)) (any, error) {
	return c.breaker.Execute(fn)
}

// LookupExternalID resolves the device's own external id from the proxy
// session user ("device_<id>"), retrying with exponential backoff until
// ctx is cancelled.
func (c *Client) LookupExternalID(ctx context.Context) (string, error) {
	var externalID string
	operation := func() error {
		currentUser, _, err := c.c8y.User.GetCurrentUser(ctx)
		if err != nil {
			slog.Warn("Failed to lookup Cumulocity external id.", "err", err)
			return err
		}
		externalID = strings.TrimPrefix(currentUser.Username, "device_")
		return nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(2*time.Second),
		backoff.WithMaxInterval(60*time.Second),
		backoff.WithMaxElapsedTime(0),
	), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return "", errors.Wrap(err, "looking up external id")
	}
	slog.Info("Found Cumulocity external id.", "value", externalID)
	return externalID, nil
}

// ManagedObjectID resolves an external id to its managed object id.
func (c *Client) ManagedObjectID(ctx context.Context, externalID string) (string, error) {
	result, err := c.execute(func() (any, error) {
		extID, _, err := c.c8y.Identity.GetExternalID(ctx, "c8y_Serial", externalID)
		if err != nil {
			return nil, err
		}
		return extID.ManagedObject.ID, nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "resolving external id %q", externalID)
	}
	return result.(string), nil
}

// DeleteManagedObject removes the managed object registered under
// externalID. Unknown external ids are not an error: the object is
// already gone.
func (c *Client) DeleteManagedObject(ctx context.Context, externalID string) (bool, error) {
	moID, err := c.ManagedObjectID(ctx, externalID)
	if err != nil {
		return false, nil
	}
	_, err = c.execute(func() (any, error) {
		_, err := c.c8y.Inventory.Delete(ctx, moID)
		return nil, err
	})
	if err != nil {
		return false, errors.Wrapf(err, "deleting managed object %q", moID)
	}
	return true, nil
}

// CreateEvent creates an event on the managed object behind externalID
// and returns the event id, used as the anchor for a binary upload.
func (c *Client) CreateEvent(ctx context.Context, externalID string, eventType string, text string) (string, error) {
	moID, err := c.ManagedObjectID(ctx, externalID)
	if err != nil {
		return "", err
	}

	body := map[string]any{
		"source": map[string]string{"id": moID},
		"type":   eventType,
		"text":   text,
		"time":   time.Now().Format(time.RFC3339),
	}
	result, err := c.execute(func() (any, error) {
		event, _, err := c.c8y.Event.Create(ctx, body)
		if err != nil {
			return nil, err
		}
		return event.ID, nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "creating %s event", eventType)
	}
	return result.(string), nil
}

// UploadEventBinary attaches the file at path to an existing event.
func (c *Client) UploadEventBinary(ctx context.Context, eventID string, path string) error {
	_, err := c.execute(func() (any, error) {
		_, _, err := c.c8y.Event.CreateBinary(ctx, path, eventID)
		return nil, err
	})
	return errors.Wrapf(err, "uploading binary to event %q", eventID)
}
