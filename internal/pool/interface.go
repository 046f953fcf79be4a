package pool

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"
)

// Transport est une connexion multiplexée déjà établie, capable de porter
// plusieurs échanges logiques concurrents. Le pool ne connaît rien du protocole
// transporté: il ne consomme que l'état ouvert/fermé, la fermeture gracieuse,
// et le signal d'activité.
type Transport interface {
	// IsOpen indique si la connexion peut encore porter de nouveaux flux.
	IsOpen() bool

	// Finish ferme la connexion gracieusement. Doit être idempotent.
	Finish() error

	// SetActiveStateHandler enregistre le handler appelé à chaque transition
	// du nombre de flux en cours entre zéro et non-zéro. Un seul handler à la
	// fois; le pool l'installe à la création du ConnectionState.
	SetActiveStateHandler(handler func(active bool))
}

// Request décrit une demande de connexion vers une autorité host:port.
type Request struct {
	// Authority est la clé du slot de pool, au format host:port.
	Authority string

	// ConnectTimeout borne l'établissement (socket, tunnel, handshake).
	// Une valeur <= 0 signifie aucune borne.
	ConnectTimeout time.Duration
}

// ProxyTarget désigne un proxy HTTP à traverser via CONNECT.
type ProxyTarget struct {
	Host     string
	Port     int
	Userinfo string // "user:password", vide si le proxy ne demande rien
}

// AttemptConfig est produit neuf pour chaque tentative d'établissement, puis
// passé au hook Configure du manager qui peut y poser le matériel TLS, la
// politique de mauvais certificat et la cible proxy.
type AttemptConfig struct {
	TLSConfig        *tls.Config
	OnBadCertificate func(cert *x509.Certificate) bool
	Proxy            *ProxyTarget
}

// SecureChannelFactory établit le canal sécurisé sous-jacent. C'est un
// collaborateur externe du pool: l'implémentation par défaut vit dans
// internal/transport.
type SecureChannelFactory interface {
	// Connect ouvre un canal sécurisé directement vers host:port.
	Connect(ctx context.Context, host string, port int, timeout time.Duration, cfg *AttemptConfig) (net.Conn, error)

	// Upgrade promeut un socket déjà connecté (typiquement la sortie d'un
	// tunnel CONNECT) en canal sécurisé. La validation de certificat vise
	// targetHost, jamais le proxy.
	Upgrade(ctx context.Context, rawConn net.Conn, targetHost string, cfg *AttemptConfig) (net.Conn, error)
}

// TransportFactory enveloppe un canal sécurisé en Transport multiplexé.
type TransportFactory interface {
	Wrap(conn net.Conn, authority string) (Transport, error)
}

// DialFunc court-circuite le chemin SecureChannelFactory/TransportFactory pour
// les transports qui n'exposent pas de socket promouvable (QUIC notamment).
type DialFunc func(ctx context.Context, authority string, cfg *AttemptConfig, timeout time.Duration) (Transport, error)

// Observer reçoit les événements de cycle de vie du pool. Toutes les méthodes
// sont appelées hors des verrous internes et peuvent donc faire de l'I/O.
type Observer interface {
	ConnectionEstablished(authority string)
	ConnectionFailed(authority string, err error)
	ConnectionEvicted(authority string, reason string)
}

// ConnectionManager gère un cache de connexions multiplexées réutilisables,
// une entrée vivante par autorité.
type ConnectionManager interface {
	// GetConnection retourne une connexion ouverte vers l'autorité demandée:
	// celle du cache si elle est encore ouverte, sinon le résultat de la
	// tentative en vol partagée, sinon une connexion fraîchement établie.
	// Peut suspendre; le contexte ne borne que l'attente de l'appelant, pas
	// la tentative sous-jacente partagée.
	GetConnection(ctx context.Context, req Request) (Transport, error)

	// RemoveConnection retire du cache l'entrée dont le transport correspond
	// par identité et en dispose. Sans effet si le transport n'y est pas.
	RemoveConnection(t Transport)

	// Close interdit tout GetConnection futur. force=false laisse vivre les
	// connexions en cache (mode drain); force=true les ferme immédiatement.
	Close(force bool) error
}
