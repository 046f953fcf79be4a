package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"muxpool/internal/pool"
)

// defaultALPN est négocié quand la configuration de tentative n'en fournit pas.
var defaultALPN = []string{"h2"}

// ChannelFactory est la SecureChannelFactory par défaut: socket TCP puis
// handshake TLS, ou promotion TLS d'un socket déjà connecté (chemin proxy).
type ChannelFactory struct {
	// ALPN remplace defaultALPN si non vide.
	ALPN   []string
	Logger *slog.Logger
}

func (f *ChannelFactory) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// Connect ouvre un canal sécurisé directement vers host:port, en respectant la
// borne d'établissement de la tentative.
func (f *ChannelFactory) Connect(ctx context.Context, host string, port int, timeout time.Duration, cfg *pool.AttemptConfig) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := &net.Dialer{}
	if timeout > 0 {
		dialer.Timeout = timeout
	}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	conn, err := f.handshake(ctx, raw, host, cfg, timeout)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// Upgrade promeut un socket déjà connecté (sortie de tunnel CONNECT) en canal
// sécurisé. La validation de nom de certificat vise targetHost, pas le proxy.
func (f *ChannelFactory) Upgrade(ctx context.Context, rawConn net.Conn, targetHost string, cfg *pool.AttemptConfig) (net.Conn, error) {
	return f.handshake(ctx, rawConn, targetHost, cfg, 0)
}

func (f *ChannelFactory) handshake(ctx context.Context, raw net.Conn, host string, cfg *pool.AttemptConfig, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	tlsConn := tls.Client(raw, f.tlsConfig(host, cfg))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("TLS handshake with %s failed: %w", host, err)
	}
	f.logger().Debug("Secure channel established", "host", host, "alpn", tlsConn.ConnectionState().NegotiatedProtocol)
	return tlsConn, nil
}

// tlsConfig dérive la configuration TLS effective d'une tentative: ServerName
// forcé sur l'hôte validé, ALPN garanti, et politique de mauvais certificat
// branchée si demandée.
func (f *ChannelFactory) tlsConfig(host string, cfg *pool.AttemptConfig) *tls.Config {
	var conf *tls.Config
	if cfg != nil && cfg.TLSConfig != nil {
		conf = cfg.TLSConfig.Clone()
	} else {
		conf = &tls.Config{}
	}
	conf.ServerName = host
	if len(conf.NextProtos) == 0 {
		if len(f.ALPN) > 0 {
			conf.NextProtos = f.ALPN
		} else {
			conf.NextProtos = defaultALPN
		}
	}
	if cfg != nil && cfg.OnBadCertificate != nil && !conf.InsecureSkipVerify {
		// La pile TLS standard ne permet pas de "rattraper" un échec de
		// vérification: on désactive la vérification intégrée et on rejoue la
		// même validation à la main, le callback tranchant en cas d'échec.
		conf.VerifyPeerCertificate = badCertificateVerifier(conf.RootCAs, host, cfg.OnBadCertificate)
		conf.InsecureSkipVerify = true
	}
	return conf
}

func badCertificateVerifier(roots *x509.CertPool, host string, onBad func(*x509.Certificate) bool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("no peer certificate presented")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("parsing peer certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		opts := x509.VerifyOptions{
			Roots:         roots,
			DNSName:       host,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if _, err := certs[0].Verify(opts); err != nil {
			if onBad(certs[0]) {
				return nil
			}
			return err
		}
		return nil
	}
}

var _ pool.SecureChannelFactory = (*ChannelFactory)(nil)
