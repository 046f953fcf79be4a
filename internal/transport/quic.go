package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"muxpool/internal/pool"
)

const defaultQUICALPN = "muxpool"

// QUICDial retourne une pool.DialFunc fondée sur quic-go, pour les autorités
// joignables en QUIC. Un tunnel CONNECT est un relais TCP: les tentatives
// configurées avec un proxy sont refusées.
func QUICDial(tlsConf *tls.Config, quicConf *quic.Config, logger *slog.Logger) pool.DialFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if quicConf == nil {
		quicConf = &quic.Config{
			MaxIdleTimeout:       30 * time.Second,
			HandshakeIdleTimeout: 10 * time.Second,
		}
	}
	return func(ctx context.Context, authority string, cfg *pool.AttemptConfig, timeout time.Duration) (pool.Transport, error) {
		if cfg != nil && cfg.Proxy != nil {
			return nil, errors.New("QUIC transports cannot be tunneled through an HTTP CONNECT proxy")
		}
		conf := tlsConf
		if cfg != nil && cfg.TLSConfig != nil {
			conf = cfg.TLSConfig
		}
		if conf == nil {
			conf = &tls.Config{}
		}
		// Copie: ne jamais modifier une configuration TLS partagée.
		conf = conf.Clone()
		if len(conf.NextProtos) == 0 {
			conf.NextProtos = []string{defaultQUICALPN}
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		conn, err := quic.DialAddr(ctx, authority, conf, quicConf)
		if err != nil {
			return nil, err
		}
		logger.Debug("QUIC connection established", "authority", authority)
		return NewQUICTransport(conn, logger), nil
	}
}

// QUICTransport adapte une connexion QUIC au contrat du pool. Les flux
// ouverts via OpenStream sont comptabilisés; le signal d'activité part sur
// les transitions zéro<->non-zéro.
type QUICTransport struct {
	conn   quic.Connection
	logger *slog.Logger

	mu      sync.Mutex
	open    int
	handler func(active bool)
}

func NewQUICTransport(conn quic.Connection, logger *slog.Logger) *QUICTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &QUICTransport{
		conn:   conn,
		logger: logger.With("component", "quic_transport"),
	}
}

func (t *QUICTransport) IsOpen() bool {
	return t.conn.Context().Err() == nil
}

func (t *QUICTransport) Finish() error {
	err := t.conn.CloseWithError(quic.ApplicationErrorCode(0), "connection finished by pool")
	// quic-go peut retourner cette erreur; pour le pool c'est un no-op.
	if err != nil && strings.Contains(err.Error(), "closing an already closed connection") {
		return nil
	}
	return err
}

func (t *QUICTransport) SetActiveStateHandler(handler func(active bool)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// OpenStream ouvre un flux bidirectionnel comptabilisé. La fermeture du flux
// retourné le décompte, une seule fois.
func (t *QUICTransport) OpenStream(ctx context.Context) (*CountedStream, error) {
	stream, err := t.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	t.streamOpened()
	return &CountedStream{Stream: stream, onClose: t.streamClosed}, nil
}

func (t *QUICTransport) streamOpened() {
	t.mu.Lock()
	t.open++
	fire := t.open == 1
	handler := t.handler
	t.mu.Unlock()
	if fire && handler != nil {
		handler(true)
	}
}

func (t *QUICTransport) streamClosed() {
	t.mu.Lock()
	t.open--
	fire := t.open == 0
	handler := t.handler
	t.mu.Unlock()
	if fire && handler != nil {
		handler(false)
	}
}

// CountedStream enveloppe un flux QUIC pour décompter sa fermeture.
type CountedStream struct {
	quic.Stream
	once    sync.Once
	onClose func()
}

func (s *CountedStream) Close() error {
	err := s.Stream.Close()
	s.once.Do(s.onClose)
	return err
}

var _ pool.Transport = (*QUICTransport)(nil)
