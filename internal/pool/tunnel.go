package pool

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// tunnelEstablishedPrefix est la seule réponse proxy acceptée. Un proxy
// conforme envoie la ligne de statut en premier; rien d'autre ne compte pour
// l'établissement du tunnel, donc seule la première ligne du premier segment
// reçu est inspectée.
const tunnelEstablishedPrefix = "HTTP/1.1 200"

// establishTunnel ouvre un socket en clair vers le proxy et négocie un relais
// CONNECT vers targetAuthority. Le socket retourné est connecté de bout en
// bout mais pas encore sécurisé: c'est à la SecureChannelFactory de le
// promouvoir, avec validation de certificat visant l'hôte cible.
func establishTunnel(ctx context.Context, proxy *ProxyTarget, targetAuthority string, timeout time.Duration, logger *slog.Logger) (net.Conn, error) {
	proxyAddr := net.JoinHostPort(proxy.Host, strconv.Itoa(proxy.Port))
	dialer := &net.Dialer{}
	if timeout > 0 {
		dialer.Timeout = timeout
	}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		if isTimeoutError(err) {
			return nil, fmt.Errorf("%w: dialing proxy %s: %w", ErrConnectTimeout, proxyAddr, err)
		}
		return nil, fmt.Errorf("dialing proxy %s: %w", proxyAddr, err)
	}
	if err := tunnelHandshake(conn, targetAuthority, proxy.Userinfo, timeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Debug("Proxy tunnel established", "proxy", proxyAddr, "target", targetAuthority)
	return conn, nil
}

// tunnelHandshake écrit la requête CONNECT en framing CRLF-CRLF puis lit la
// réponse du proxy. L'échange est one-shot, pas un flux: on ne lit qu'une
// fois et on ne parse que la ligne de statut.
func tunnelHandshake(conn net.Conn, targetAuthority, userinfo string, timeout time.Duration) error {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\n", targetAuthority)
	fmt.Fprintf(&req, "Host: %s\r\n", targetAuthority)
	if userinfo != "" {
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", base64.StdEncoding.EncodeToString([]byte(userinfo)))
	}
	req.WriteString("\r\n")

	if _, err := io.WriteString(conn, req.String()); err != nil {
		if isTimeoutError(err) {
			return fmt.Errorf("%w: writing CONNECT request: %w", ErrConnectTimeout, err)
		}
		return fmt.Errorf("%w: writing CONNECT request: %w", ErrProxyTunnelFailed, err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		if isTimeoutError(err) {
			return fmt.Errorf("%w: waiting for CONNECT response: %w", ErrConnectTimeout, err)
		}
		return fmt.Errorf("%w: reading CONNECT response: %w", ErrProxyTunnelFailed, err)
	}

	statusLine := string(buf[:n])
	if i := strings.IndexByte(statusLine, '\n'); i >= 0 {
		statusLine = statusLine[:i]
	}
	statusLine = strings.TrimRight(statusLine, "\r")
	if !strings.HasPrefix(statusLine, tunnelEstablishedPrefix) {
		return fmt.Errorf("%w: proxy replied %q", ErrProxyTunnelFailed, statusLine)
	}
	return nil
}

// isTimeoutError distingue un dépassement de la borne d'établissement d'une
// erreur socket générique, par inspection de la cause.
func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}
