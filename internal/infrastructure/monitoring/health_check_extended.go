package monitoring

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck pings the event bus connection.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// AddListenerCheck verifies a local listener still accepts TCP connections.
func (h *HealthChecker) AddListenerCheck(name, address string, interval, timeout time.Duration) {
	h.AddCheck(name, func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", dialAddress(address))
		if err != nil {
			return fmt.Errorf("%s not accepting connections: %w", name, err)
		}
		return conn.Close()
	}, interval, timeout)
}

// dialAddress turns a wildcard listen address into one that can be dialed.
func dialAddress(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
