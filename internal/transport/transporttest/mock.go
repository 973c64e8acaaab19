// Package transporttest provides a testify mock of transport.Client.
package transporttest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chanpost/internal/transport"
)

type Client struct {
	mock.Mock
}

var _ transport.Client = (*Client)(nil)

func (c *Client) Send(ctx context.Context, destination string, p transport.Payload) (transport.SendResult, error) {
	args := c.Called(ctx, destination, p)
	return args.Get(0).(transport.SendResult), args.Error(1)
}

func (c *Client) FetchViewCount(ctx context.Context, destination, messageID string) (transport.ViewCount, error) {
	args := c.Called(ctx, destination, messageID)
	return args.Get(0).(transport.ViewCount), args.Error(1)
}
