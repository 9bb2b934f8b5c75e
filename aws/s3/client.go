package s3

import "context"

func NewClient(cfg AwsS3Bucket) (Client, error) {
	basicClient, err := NewBasicClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewClientFromBasic(basicClient), nil
}

func NewClientFromBasic(basicClient BasicClient) Client {
	return &client{
		BasicClient: basicClient,
	}
}

type client struct {
	BasicClient
}

func (s *client) Move(ctx context.Context, src, dst string) error {
	if _, err := s.Head(ctx, src); err != nil {
		return err
	}
	if err := s.Copy(ctx, src, dst); err != nil {
		return err
	}
	return s.Delete(ctx, src)
}
