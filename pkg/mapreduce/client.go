package mapreduce

import (
	"context"
	"net/rpc"
	"sync"
)

// client is a redialing connection to the coordinator. It is shared by the
// worker loop and its heartbeat goroutine.
type client struct {
	network string
	address string

	mu sync.Mutex
	c  *rpc.Client
}

func newClient(network, address string) *client {
	return &client{network: network, address: address}
}

func (c *client) conn() (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.c == nil {
		rc, err := rpc.DialHTTP(c.network, c.address)
		if err != nil {
			return nil, err
		}
		c.c = rc
	}
	return c.c, nil
}

// drop forgets rc if it is still the current connection.
func (c *client) drop(rc *rpc.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.c == rc {
		c.c.Close()
		c.c = nil
	}
}

// call sends one RPC and waits for the reply or for ctx to end. Any failure
// closes the connection so the next call redials.
func (c *client) call(ctx context.Context, method string, args interface{}, reply interface{}) error {
	rc, err := c.conn()
	if err != nil {
		return err
	}

	call := rc.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-call.Done:
		if res.Error != nil {
			// the coordinator may have restarted behind this connection
			c.drop(rc)
		}
		return res.Error
	}
}

func (c *client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.c != nil {
		c.c.Close()
		c.c = nil
	}
}
