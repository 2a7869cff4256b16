package broker

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
)

// AmqpConnectionFactory opens the throwaway connection used by Probe for amqp
// URLs. Tests override it.
var AmqpConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// Probe checks that the broker behind rawURL accepts connections by opening
// and closing a throwaway connection. AMQP URLs are probed through
// watermill-amqp; other schemes go through their registered dialer.
func (r *Registry) Probe(ctx context.Context, rawURL string, logger watermill.LoggerAdapter) error {
	scheme, err := schemeOf(rawURL)
	if err != nil {
		return err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	if strings.HasPrefix(scheme, "amqp") {
		conn, err := AmqpConnectionFactory(amqp.ConnectionConfig{
			AmqpURI:   rawURL,
			TLSConfig: nil,
			Reconnect: amqp.DefaultReconnectConfig(),
		}, logger)
		if err != nil {
			return unavailable(rawURL, err)
		}
		return conn.Close()
	}

	conn, err := r.Dial(ctx, rawURL, "warren-probe")
	if err != nil {
		return err
	}
	return conn.Close()
}

// Probe checks broker reachability through the default registry.
func Probe(ctx context.Context, rawURL string, logger watermill.LoggerAdapter) error {
	return DefaultRegistry.Probe(ctx, rawURL, logger)
}
