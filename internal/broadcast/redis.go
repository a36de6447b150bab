/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package broadcast

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	channelPrefix  = "share:broadcast:"
	publishTimeout = 2 * time.Second
)

// RedisConfig holds connection settings for the cross-instance Redis
// broadcaster.
type RedisConfig struct {
	// Addrs lists Redis server addresses. A single address creates a
	// standalone client; multiple addresses create a cluster client.
	Addrs []string
	// Password is used for Redis AUTH.
	Password string
	// DB selects the database number. Ignored in cluster mode.
	DB int
	// TLS enables TLS when non-nil.
	TLS *tls.Config
}

// wireFrame is the JSON envelope published to a shareName's channel; Close
// carries no content and signals that a session was cleared.
type wireFrame struct {
	Origin  string          `json:"origin"`
	Key     string          `json:"key,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Close   bool            `json:"close,omitempty"`
}

// Redis relays broadcasts and closes across coordinator replicas: a publish
// accepted on one replica's coordinator reaches viewers attached to another
// replica's ViewerStream via PUBLISH/SUBSCRIBE on a per-shareName channel.
type Redis struct {
	client     goredis.UniversalClient
	ownsClient bool
	instanceID string
}

// NewRedis creates a Redis broadcaster that owns the underlying client,
// verified with a ping. Close shuts down the client.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("broadcast: at least one redis address is required")
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:     cfg.Addrs,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("broadcast: connect to redis: %w", err)
	}

	return &Redis{client: client, ownsClient: true, instanceID: uuid.NewString()}, nil
}

// NewRedisFromClient wraps an existing client. Close is a no-op because the
// caller retains ownership of the client.
func NewRedisFromClient(client goredis.UniversalClient) *Redis {
	return &Redis{client: client, ownsClient: false, instanceID: uuid.NewString()}
}

// InstanceID identifies this broadcaster in published frames, so a
// subscriber sharing the instance can recognize (and skip) its own echoes.
func (r *Redis) InstanceID() string {
	return r.instanceID
}

func channelFor(shareName string) string {
	return channelPrefix + shareName
}

// PublishFrame relays a publish frame to every replica subscribed to
// shareName's channel.
func (r *Redis) PublishFrame(ctx context.Context, shareName string, f Frame) error {
	payload, err := json.Marshal(wireFrame{Origin: r.instanceID, Key: f.Key, Content: f.Content})
	if err != nil {
		return fmt.Errorf("broadcast: marshal frame: %w", err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.client.Publish(pubCtx, channelFor(shareName), payload).Err()
}

// PublishClose relays a clear/close signal to every replica subscribed to
// shareName's channel.
func (r *Redis) PublishClose(ctx context.Context, shareName string) error {
	payload, err := json.Marshal(wireFrame{Origin: r.instanceID, Close: true})
	if err != nil {
		return fmt.Errorf("broadcast: marshal close: %w", err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.client.Publish(pubCtx, channelFor(shareName), payload).Err()
}

// Remote is what Subscribe delivers: either a data frame or a close signal.
type Remote struct {
	Origin string
	Frame  Frame
	Close  bool
}

// Subscribe opens a subscription to shareName's channel. The returned
// channel is closed, and the subscription torn down, when ctx is cancelled
// or Close is called on the returned stop function.
func (r *Redis) Subscribe(ctx context.Context, shareName string) (<-chan Remote, func(), error) {
	pubsub := r.client.Subscribe(ctx, channelFor(shareName))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("broadcast: subscribe %s: %w", shareName, err)
	}

	out := make(chan Remote, 16)
	msgs := pubsub.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var wf wireFrame
				if err := json.Unmarshal([]byte(msg.Payload), &wf); err != nil {
					continue
				}
				select {
				case out <- Remote{Origin: wf.Origin, Frame: Frame{Key: wf.Key, Content: wf.Content}, Close: wf.Close}:
				default:
					// Slow subscriber; drop rather than block pubsub delivery.
				}
			}
		}
	}()

	return out, func() { _ = pubsub.Close() }, nil
}

// Ping checks connectivity to the underlying Redis client.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close shuts down the owned client, if any.
func (r *Redis) Close() error {
	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}
