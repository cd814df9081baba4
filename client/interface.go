package client

import (
	"context"

	"github.com/mbocsi/devrelay/proto"
)

type Transport interface {
	Connect(ctx context.Context, url string) error
	Send(env proto.Envelope) error
	Read() (proto.Envelope, error) // for one-at-a-time processing
	Close() error
}
