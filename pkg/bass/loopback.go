package bass

import (
	"context"

	"github.com/Krajiyah/leaudio-sdk/pkg/models"
	"github.com/pkg/errors"
)

// Loopback is a ControlChannel delivering writes straight to local acceptors
type Loopback map[models.ConnID]*Server

func (l Loopback) Write(ctx context.Context, conn models.ConnID, req models.ControlRequest) error {
	server, ok := l[conn]
	if !ok {
		return errors.Wrapf(models.ErrInvalidArgument, "no acceptor on conn %d", conn)
	}
	return server.Handle(ctx, conn, req)
}

// Attach connects client to every acceptor of l
func (l Loopback) Attach(client *Client) {
	for conn, server := range l {
		server.Connect(conn, client)
	}
}
