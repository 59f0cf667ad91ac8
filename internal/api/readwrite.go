package api

import "context"

// ReadWriteClient sends mutating calls to one client and everything else,
// streams included, to another.
type ReadWriteClient struct {
	read  Client
	write Client
}

func NewReadWriteClient(read, write Client) *ReadWriteClient {
	return &ReadWriteClient{read: read, write: write}
}

func (c *ReadWriteClient) Request(ctx context.Context, path string, body []byte) ([]byte, error) {
	if IsWritePath(path) {
		return c.write.Request(ctx, path, body)
	}
	return c.read.Request(ctx, path, body)
}

func (c *ReadWriteClient) Stream(ctx context.Context, path string, body []byte) (Stream, error) {
	return c.read.Stream(ctx, path, body)
}
