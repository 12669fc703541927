package utils

import (
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

func NewRedisClient(addr string, password string) *redis.Client {
	return redis.NewClient(
		&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       0,
		})
}

func Publish(client *redis.Client, channel string, data []byte) error {
	if err := client.Publish(channel, data).Err(); err != nil {
		return errors.Wrapf(err, "publish to %s", channel)
	}
	return nil
}
