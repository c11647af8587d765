package storeapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a log store read API at addr.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Tail(ctx context.Context) (*TailResponse, error) {
	out := new(TailResponse)
	if err := c.conn.Invoke(ctx, tailMethod, &TailRequest{}, out, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return out, nil
}

// Read returns stored entries in [from, to]. Zero bounds mean the first
// and last stored LSN.
func (c *Client) Read(ctx context.Context, from, to uint64) (*ReadResponse, error) {
	out := new(ReadResponse)
	if err := c.conn.Invoke(ctx, readMethod, &ReadRequest{From: from, To: to}, out, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
