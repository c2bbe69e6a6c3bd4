package queue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannel = "ocapkernel:run-queue:notify"

// RedisNotifier is a distributed notifier so multiple kernel processes
// sharing one PostgresRawStore wake each other's routers promptly. Only one
// kernel process may actually run the router loop at a time (spec.md §5:
// the run-queue loop is the sole mutator); this exists for
// warm-standby/failover deployments, not concurrent routing.
type RedisNotifier struct {
	client *redis.Client
	mu     sync.Mutex
	subs   []*redisSub
	closed bool
}

type redisSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Notify(ctx context.Context) error {
	return n.client.Publish(ctx, redisChannel, "1").Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisSub{ch: ch, cancel: cancel}
	n.subs = append(n.subs, rs)
	n.mu.Unlock()

	pubsub := n.client.Subscribe(subCtx, redisChannel)
	go func() {
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				n.removeSub(rs)
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch
}

func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, s := range n.subs {
		s.cancel()
		close(s.ch)
	}
	n.subs = nil
	return nil
}

func (n *RedisNotifier) removeSub(target *redisSub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s == target {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}
}
