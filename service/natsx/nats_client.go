package natsx

import (
	"errors"
	"strings"
	"time"

	"chatfleet/global/config"
	"chatfleet/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Connect dials the configured servers with unlimited reconnects.
func Connect(c config.NatsConfig, name string) (*nats.Conn, error) {
	if len(c.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	log := logger.Named("nats")
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if c.User != "" {
		opts = append(opts, nats.UserInfo(c.User, c.Pass))
	}
	return nats.Connect(strings.Join(c.Servers, ","), opts...)
}
