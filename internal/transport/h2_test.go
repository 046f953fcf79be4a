package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muxpool/internal/pool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startH2Server démarre un serveur HTTP/2 local et retourne son hôte, son port
// et le pool de confiance contenant son certificat.
func startH2Server(t *testing.T, handler http.HandlerFunc) (string, int, *x509.CertPool) {
	t.Helper()
	srv := httptest.NewUnstartedServer(handler)
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)

	addr := srv.Listener.Addr().(*net.TCPAddr)
	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	return "127.0.0.1", addr.Port, roots
}

func dialH2(t *testing.T, host string, port int, cfg *pool.AttemptConfig) pool.Transport {
	t.Helper()
	channels := &ChannelFactory{Logger: testLogger()}
	conn, err := channels.Connect(context.Background(), host, port, 5*time.Second, cfg)
	require.NoError(t, err)

	factory := &H2Factory{Logger: testLogger()}
	tr, err := factory.Wrap(conn, net.JoinHostPort(host, strconv.Itoa(port)))
	require.NoError(t, err)
	return tr
}

func TestH2TransportRoundTripAndActivitySignal(t *testing.T) {
	host, port, roots := startH2Server(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "HTTP/2.0", r.Proto)
		_, _ = w.Write([]byte("pong"))
	})

	tr := dialH2(t, host, port, &pool.AttemptConfig{TLSConfig: &tls.Config{RootCAs: roots}})
	defer tr.Finish()

	var mu sync.Mutex
	var events []bool
	tr.SetActiveStateHandler(func(active bool) {
		mu.Lock()
		events = append(events, active)
		mu.Unlock()
	})

	h2 := tr.(*H2Transport)
	require.True(t, h2.IsOpen())

	req, err := http.NewRequest(http.MethodGet, "https://"+net.JoinHostPort(host, strconv.Itoa(port))+"/", nil)
	require.NoError(t, err)
	resp, err := h2.RoundTrip(req)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))

	// Le flux n'est décompté qu'à la fermeture du corps.
	mu.Lock()
	assert.Equal(t, []bool{true}, events)
	mu.Unlock()

	require.NoError(t, resp.Body.Close())
	mu.Lock()
	assert.Equal(t, []bool{true, false}, events)
	mu.Unlock()

	// Fermer le corps deux fois ne décompte pas deux fois.
	_ = resp.Body.Close()
	mu.Lock()
	assert.Equal(t, []bool{true, false}, events)
	mu.Unlock()
}

func TestH2TransportFinishClosesConnection(t *testing.T) {
	host, port, roots := startH2Server(t, func(w http.ResponseWriter, r *http.Request) {})

	tr := dialH2(t, host, port, &pool.AttemptConfig{TLSConfig: &tls.Config{RootCAs: roots}})
	require.True(t, tr.IsOpen())

	require.NoError(t, tr.Finish())
	assert.Eventually(t, func() bool { return !tr.IsOpen() }, 2*time.Second, 10*time.Millisecond)

	// Idempotent.
	assert.NoError(t, tr.Finish())
}

func TestChannelFactoryBadCertificatePolicy(t *testing.T) {
	// Le certificat du serveur de test n'est signé par aucune racine fournie:
	// la poignée de main n'aboutit que si la politique l'accepte.
	host, port, _ := startH2Server(t, func(w http.ResponseWriter, r *http.Request) {})
	channels := &ChannelFactory{Logger: testLogger()}

	var seen *x509.Certificate
	cfg := &pool.AttemptConfig{
		TLSConfig: &tls.Config{RootCAs: x509.NewCertPool()},
		OnBadCertificate: func(cert *x509.Certificate) bool {
			seen = cert
			return true
		},
	}
	conn, err := channels.Connect(context.Background(), host, port, 5*time.Second, cfg)
	require.NoError(t, err)
	require.NotNil(t, seen, "the policy must have been consulted with the leaf certificate")
	_ = conn.Close()

	cfg = &pool.AttemptConfig{
		TLSConfig:        &tls.Config{RootCAs: x509.NewCertPool()},
		OnBadCertificate: func(cert *x509.Certificate) bool { return false },
	}
	_, err = channels.Connect(context.Background(), host, port, 5*time.Second, cfg)
	assert.Error(t, err)
}

func TestChannelFactoryRejectsUntrustedWithoutPolicy(t *testing.T) {
	host, port, _ := startH2Server(t, func(w http.ResponseWriter, r *http.Request) {})
	channels := &ChannelFactory{Logger: testLogger()}

	_, err := channels.Connect(context.Background(), host, port, 5*time.Second,
		&pool.AttemptConfig{TLSConfig: &tls.Config{RootCAs: x509.NewCertPool()}})
	assert.Error(t, err)
}

func TestChannelFactoryConnectTimeout(t *testing.T) {
	// Adresse non routable: le dial doit échouer dans la borne, pas pendre.
	channels := &ChannelFactory{Logger: testLogger()}
	start := time.Now()
	_, err := channels.Connect(context.Background(), "10.255.255.1", 443, 150*time.Millisecond, &pool.AttemptConfig{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
