package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"muxpool/internal/pool"
)

const h2ShutdownTimeout = 5 * time.Second

// H2Factory enveloppe un canal sécurisé en connexion cliente HTTP/2. C'est la
// TransportFactory par défaut du pool.
type H2Factory struct {
	// Transport permet de personnaliser les réglages http2 (tailles de
	// fenêtres, ping de santé...). Nil: valeurs par défaut de x/net/http2.
	Transport *http2.Transport
	Logger    *slog.Logger
}

func (f *H2Factory) Wrap(conn net.Conn, authority string) (pool.Transport, error) {
	t := f.Transport
	if t == nil {
		t = &http2.Transport{}
	}
	cc, err := t.NewClientConn(conn)
	if err != nil {
		return nil, fmt.Errorf("wrapping connection to %s as HTTP/2: %w", authority, err)
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &H2Transport{
		cc:        cc,
		authority: authority,
		logger:    logger.With("component", "h2_transport", "authority", authority),
	}, nil
}

// H2Transport est une connexion HTTP/2 comptabilisée: chaque RoundTrip ouvre
// un flux logique, la fermeture du corps de réponse le referme. Le signal
// d'activité du pool est dérivé des transitions zéro<->non-zéro de ce compte.
type H2Transport struct {
	cc        *http2.ClientConn
	authority string
	logger    *slog.Logger

	mu       sync.Mutex
	inflight int
	handler  func(active bool)
	finished bool
}

func (t *H2Transport) IsOpen() bool {
	state := t.cc.State()
	return !state.Closed && !state.Closing
}

// Finish ferme gracieusement: les flux en cours peuvent se terminer pendant
// h2ShutdownTimeout, ensuite la connexion est coupée. Idempotent.
func (t *H2Transport) Finish() error {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return nil
	}
	t.finished = true
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h2ShutdownTimeout)
	defer cancel()
	if err := t.cc.Shutdown(ctx); err != nil {
		t.logger.Debug("Graceful shutdown did not complete, closing connection", "error", err)
		return t.cc.Close()
	}
	return nil
}

func (t *H2Transport) SetActiveStateHandler(handler func(active bool)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// RoundTrip exécute une requête sur cette connexion. Le flux n'est décompté
// que lorsque le corps de la réponse est fermé: l'appelant doit le fermer.
func (t *H2Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.streamOpened()
	resp, err := t.cc.RoundTrip(req)
	if err != nil {
		t.streamClosed()
		return nil, err
	}
	resp.Body = &countedBody{ReadCloser: resp.Body, onClose: t.streamClosed}
	return resp, nil
}

func (t *H2Transport) streamOpened() {
	t.mu.Lock()
	t.inflight++
	fire := t.inflight == 1
	handler := t.handler
	t.mu.Unlock()
	if fire && handler != nil {
		handler(true)
	}
}

func (t *H2Transport) streamClosed() {
	t.mu.Lock()
	t.inflight--
	fire := t.inflight == 0
	handler := t.handler
	t.mu.Unlock()
	if fire && handler != nil {
		handler(false)
	}
}

// countedBody décompte le flux à la première fermeture du corps, et une seule.
type countedBody struct {
	io.ReadCloser
	once    sync.Once
	onClose func()
}

func (b *countedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.onClose)
	return err
}

var (
	_ pool.TransportFactory = (*H2Factory)(nil)
	_ pool.Transport        = (*H2Transport)(nil)
)
