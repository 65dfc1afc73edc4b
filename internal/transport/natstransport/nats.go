// Package natstransport moves core-to-core messages over NATS subjects
// (consensus.core.<dst>.<src>) instead of in-process shared memory. Its
// Transport offers Connect, Send, Receive and Close; it does not
// implement transport.Transport, and no other package in this module
// uses it. Grounded on the teacher's go-server/pkg/nats client
// (connection options, reconnect/error handlers, Subscribe/Publish) and
// the subject-naming convention from ws/internal/multi/shard.go's
// broadcastToBusFunc.
package natstransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/haeckir91/smelt-consensus/internal/consensuserr"
	"github.com/haeckir91/smelt-consensus/internal/message"
)

// Config mirrors the teacher's nats.Config: connection shaping knobs with
// sane defaults for a single-datacenter deployment.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1 // retry forever, like the teacher's odin deployment
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	return c
}

// Transport publishes core-addressed messages on subjects of the form
// "consensus.core.<dst>.<src>" and subscribes once per (dst,src) pair it
// is asked to receive on.
type Transport struct {
	conn *nats.Conn
	log  zerolog.Logger

	mu   sync.Mutex
	subs map[string]chan message.Message
}

// Connect dials the configured NATS server.
func Connect(cfg Config, log zerolog.Logger) (*Transport, error) {
	cfg = cfg.withDefaults()
	t := &Transport{log: log, subs: make(map[string]chan message.Message)}
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats transport disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats transport reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("nats transport error")
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, consensuserr.New(consensuserr.TransportFailure, "natstransport.Connect", err)
	}
	t.conn = conn
	return t, nil
}

func subject(dst, src int) string {
	return fmt.Sprintf("consensus.core.%d.%d", dst, src)
}

// Send publishes m from src to dst.
func (t *Transport) Send(src, dst int, m message.Message) error {
	buf := make([]byte, message.Size)
	m.Encode(buf)
	if err := t.conn.Publish(subject(dst, src), buf); err != nil {
		return consensuserr.New(consensuserr.TransportFailure, "natstransport.Send", err)
	}
	return nil
}

// Receive blocks until a message addressed to dst from src arrives or ctx
// is cancelled, subscribing on first use.
func (t *Transport) Receive(ctx context.Context, dst, src int) (message.Message, error) {
	ch, err := t.channelFor(dst, src)
	if err != nil {
		return message.Message{}, err
	}
	select {
	case m := <-ch:
		return m, nil
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	}
}

func (t *Transport) channelFor(dst, src int) (chan message.Message, error) {
	key := subject(dst, src)
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subs[key]; ok {
		return ch, nil
	}
	ch := make(chan message.Message, 256)
	_, err := t.conn.Subscribe(key, func(raw *nats.Msg) {
		if len(raw.Data) < message.Size {
			t.log.Error().Str("subject", key).Int("len", len(raw.Data)).Msg("dropping short nats payload")
			return
		}
		select {
		case ch <- message.Decode(raw.Data):
		default:
			t.log.Warn().Str("subject", key).Msg("receive buffer full, dropping message")
		}
	})
	if err != nil {
		return nil, consensuserr.New(consensuserr.TransportFailure, "natstransport.channelFor", err)
	}
	t.subs[key] = ch
	return ch, nil
}

// Close drains and closes the NATS connection.
func (t *Transport) Close() {
	t.conn.Close()
}
