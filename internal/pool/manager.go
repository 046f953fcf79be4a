package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// minIdleTimeout est le plancher dur appliqué à la configuration.
	minIdleTimeout = 100 * time.Millisecond
	// recommendedIdleTimeout est le plancher conseillé pour que la
	// réutilisation au niveau protocole ait une chance de se produire.
	recommendedIdleTimeout = 1 * time.Second
	// drainedIdleTimeout remplace le timeout configuré pour toute connexion
	// publiée après un Close non forcé: laisser finir le travail en cours,
	// puis délester vite.
	drainedIdleTimeout = 50 * time.Millisecond

	defaultIdleTimeout = 15 * time.Second
)

var (
	// ErrManagerClosed est retourné par GetConnection après Close; aucune
	// tentative d'établissement n'est lancée.
	ErrManagerClosed = errors.New("connection manager is closed")
	// ErrConnectTimeout signale que l'établissement (socket ou tunnel) a
	// dépassé la borne de la requête.
	ErrConnectTimeout = errors.New("connection establishment timed out")
	// ErrProxyTunnelFailed signale une réponse CONNECT non-200 ou une erreur
	// de lecture sur le socket proxy.
	ErrProxyTunnelFailed = errors.New("proxy CONNECT tunnel failed")
)

// Config contient la configuration pour le ConnectionManager.
type Config struct {
	// IdleTimeout est la durée d'inactivité continue après laquelle une
	// connexion est évincée. Plancher dur: 100ms. En dessous d'une seconde,
	// un avertissement est journalisé.
	IdleTimeout time.Duration

	// Configure, optionnel, est invoqué avec une AttemptConfig vierge avant
	// chaque tentative d'établissement: matériel TLS, politique de mauvais
	// certificat, cible proxy.
	Configure func(authority string, cfg *AttemptConfig)

	// ChannelFactory et TransportFactory forment le chemin d'établissement
	// standard (socket TCP, tunnel CONNECT éventuel, TLS, enveloppe
	// multiplexée). Requis sauf si Dial est fourni.
	ChannelFactory   SecureChannelFactory
	TransportFactory TransportFactory

	// Dial, optionnel, remplace entièrement le chemin d'établissement.
	Dial DialFunc

	// Observer, optionnel, reçoit les événements de cycle de vie.
	Observer Observer

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.IdleTimeout < minIdleTimeout {
		c.IdleTimeout = minIdleTimeout
	}
	if c.Observer == nil {
		c.Observer = noopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type noopObserver struct{}

func (noopObserver) ConnectionEstablished(string)     {}
func (noopObserver) ConnectionFailed(string, error)   {}
func (noopObserver) ConnectionEvicted(string, string) {}

// pendingAttempt est l'unique opération d'établissement en vol pour une
// autorité. Tous les appelants concurrents de la même autorité attendent sur
// done et partagent le même résultat.
type pendingAttempt struct {
	id        string // pour corréler les logs d'une même tentative
	done      chan struct{}
	transport Transport
	state     *connectionState
	err       error
}

// connManagerImpl implémente l'interface ConnectionManager.
type connManagerImpl struct {
	mu          sync.Mutex
	cache       map[string]*connectionState // clé: autorité host:port
	pending     map[string]*pendingAttempt  // au plus une tentative par autorité
	closed      bool
	forceClosed bool
	config      Config
}

// NewConnectionManager crée une nouvelle instance de ConnectionManager.
func NewConnectionManager(config Config) (ConnectionManager, error) {
	config.setDefaults()
	if config.Dial == nil && (config.ChannelFactory == nil || config.TransportFactory == nil) {
		return nil, errors.New("either Dial or both ChannelFactory and TransportFactory must be provided")
	}
	if config.IdleTimeout < recommendedIdleTimeout {
		config.Logger.Warn("Idle timeout below recommended floor, protocol-level reuse is unlikely",
			"idle_timeout", config.IdleTimeout, "recommended", recommendedIdleTimeout)
	}
	return &connManagerImpl{
		cache:   make(map[string]*connectionState),
		pending: make(map[string]*pendingAttempt),
		config:  config,
	}, nil
}

func (m *connManagerImpl) GetConnection(ctx context.Context, req Request) (Transport, error) {
	if req.Authority == "" {
		return nil, errors.New("request authority is empty")
	}

	var stale *connectionState

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if cs, ok := m.cache[req.Authority]; ok {
		if cs.transport.IsOpen() {
			cs.markActive()
			m.mu.Unlock()
			m.config.Logger.Debug("Reusing cached connection", "authority", req.Authority)
			return cs.transport, nil
		}
		// La connexion en cache est morte: la retirer et retomber sur
		// l'établissement comme pour un cache miss.
		delete(m.cache, req.Authority)
		stale = cs
	}
	if att, ok := m.pending[req.Authority]; ok {
		m.mu.Unlock()
		if stale != nil {
			stale.dispose()
		}
		m.config.Logger.Debug("Joining in-flight connection attempt", "authority", req.Authority, "attempt_id", att.id)
		return m.awaitAttempt(ctx, att)
	}
	att := &pendingAttempt{id: uuid.NewString(), done: make(chan struct{})}
	m.pending[req.Authority] = att
	m.mu.Unlock()

	if stale != nil {
		m.config.Logger.Debug("Disposing stale cached connection", "authority", req.Authority)
		stale.dispose()
	}
	return m.establish(ctx, req, att)
}

// awaitAttempt attend la résolution d'une tentative partagée. Le contexte ne
// borne que l'attente de cet appelant: la tentative elle-même continue pour
// les autres.
func (m *connManagerImpl) awaitAttempt(ctx context.Context, att *pendingAttempt) (Transport, error) {
	select {
	case <-att.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if att.err != nil {
		return nil, att.err
	}
	att.state.markActive()
	return att.transport, nil
}

// establish exécute l'unique tentative pour cette autorité puis publie le
// résultat (ou l'écarte si le manager a été fermé de force entre-temps).
// L'entrée pending est retirée sous le même verrou que la publication: la
// prochaine tentative pour cette autorité ne peut commencer qu'après.
func (m *connManagerImpl) establish(ctx context.Context, req Request, att *pendingAttempt) (Transport, error) {
	logger := m.config.Logger.With("authority", req.Authority, "attempt_id", att.id)

	cfg := &AttemptConfig{}
	if m.config.Configure != nil {
		m.config.Configure(req.Authority, cfg)
	}
	logger.Debug("Establishing new connection", "via_proxy", cfg.Proxy != nil, "connect_timeout", req.ConnectTimeout)

	t, dialErr := m.dialTransport(ctx, req, cfg, logger)

	m.mu.Lock()
	delete(m.pending, req.Authority)

	if dialErr != nil {
		m.mu.Unlock()
		att.err = dialErr
		close(att.done)
		m.config.Observer.ConnectionFailed(req.Authority, dialErr)
		logger.Warn("Connection establishment failed", "error", dialErr)
		return nil, dialErr
	}

	if m.forceClosed {
		m.mu.Unlock()
		// Fermeture forcée pendant la tentative: ne jamais publier le
		// résultat, sinon la connexion fuit après l'arrêt.
		_ = t.Finish()
		att.err = ErrManagerClosed
		close(att.done)
		logger.Info("Discarding connection established after forced close")
		return nil, ErrManagerClosed
	}

	idle := m.config.IdleTimeout
	if m.closed {
		// Mode drain: la connexion est publiée mais avec le timeout
		// raccourci, pour qu'elle tombe sitôt son travail courant fini.
		idle = drainedIdleTimeout
	}
	cs := newConnectionState(t, idle, logger)
	cs.onEvict = func() { m.evictIdle(req.Authority, cs) }
	m.cache[req.Authority] = cs
	m.mu.Unlock()

	cs.arm()
	att.transport = t
	att.state = cs
	close(att.done)
	m.config.Observer.ConnectionEstablished(req.Authority)
	logger.Info("Connection established", "idle_timeout", idle)
	return t, nil
}

// dialTransport réalise l'établissement proprement dit: chemin Dial sur
// mesure, ou socket (direct ou tunnelé) + promotion TLS + enveloppe.
func (m *connManagerImpl) dialTransport(ctx context.Context, req Request, cfg *AttemptConfig, logger *slog.Logger) (Transport, error) {
	if m.config.Dial != nil {
		return m.config.Dial(ctx, req.Authority, cfg, req.ConnectTimeout)
	}

	host, port, err := splitAuthority(req.Authority)
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	if cfg.Proxy != nil {
		raw, tunnelErr := establishTunnel(ctx, cfg.Proxy, req.Authority, req.ConnectTimeout, logger)
		if tunnelErr != nil {
			return nil, tunnelErr
		}
		conn, err = m.config.ChannelFactory.Upgrade(ctx, raw, host, cfg)
		if err != nil {
			_ = raw.Close()
			return nil, classifyConnectError(err)
		}
	} else {
		conn, err = m.config.ChannelFactory.Connect(ctx, host, port, req.ConnectTimeout, cfg)
		if err != nil {
			return nil, classifyConnectError(err)
		}
	}

	t, err := m.config.TransportFactory.Wrap(conn, req.Authority)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return t, nil
}

// evictIdle est le callback du timer de décroissance. L'activité est
// revérifiée sous le verrou du manager: une connexion redevenue active entre
// le tick et ici n'est jamais évincée, son timer est simplement réarmé.
func (m *connManagerImpl) evictIdle(authority string, cs *connectionState) {
	m.mu.Lock()
	current, ok := m.cache[authority]
	if !ok || current != cs {
		// Déjà remplacée ou retirée par ailleurs.
		m.mu.Unlock()
		return
	}
	if cs.stillActiveOrRecent() {
		cs.arm()
		m.mu.Unlock()
		return
	}
	delete(m.cache, authority)
	m.mu.Unlock()

	cs.dispose()
	m.config.Observer.ConnectionEvicted(authority, "idle timeout")
	m.config.Logger.Debug("Evicted idle connection", "authority", authority)
}

func (m *connManagerImpl) RemoveConnection(t Transport) {
	var victim *connectionState
	var authority string

	m.mu.Lock()
	for auth, cs := range m.cache {
		if cs.transport == t {
			victim = cs
			authority = auth
			delete(m.cache, auth)
			break
		}
	}
	m.mu.Unlock()

	if victim == nil {
		return
	}
	victim.dispose()
	m.config.Observer.ConnectionEvicted(authority, "removed by caller")
	m.config.Logger.Info("Connection removed from pool", "authority", authority)
}

func (m *connManagerImpl) Close(force bool) error {
	m.mu.Lock()
	if m.closed && (m.forceClosed || !force) {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.closed = true
	var victims map[string]*connectionState
	if force {
		m.forceClosed = true
		victims = m.cache
		m.cache = make(map[string]*connectionState)
	}
	m.mu.Unlock()

	if !force {
		m.config.Logger.Info("Connection manager closing, cached connections draining")
		return nil
	}
	for authority, cs := range victims {
		cs.dispose()
		m.config.Observer.ConnectionEvicted(authority, "manager force close")
	}
	m.config.Logger.Info("Connection manager force-closed", "disposed_connections", len(victims))
	return nil
}

// splitAuthority découpe une clé host:port.
func splitAuthority(authority string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return "", 0, fmt.Errorf("invalid authority %q: %w", authority, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid authority port %q: %w", portStr, err)
	}
	return host, port, nil
}

// classifyConnectError promeut les causes de type timeout en ErrConnectTimeout
// sans toucher aux autres erreurs socket, propagées telles quelles.
func classifyConnectError(err error) error {
	if errors.Is(err, ErrConnectTimeout) || !isTimeoutError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectTimeout, err)
}

var _ ConnectionManager = (*connManagerImpl)(nil)
