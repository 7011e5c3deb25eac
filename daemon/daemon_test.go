package daemon

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/projecteru2/vmcpd/config"
	"github.com/projecteru2/vmcpd/hypervisor/local"
	"github.com/projecteru2/vmcpd/keystore"
	"github.com/projecteru2/vmcpd/types"
	"github.com/projecteru2/vmcpd/version"
)

const trustedOrigin = "https://example.org"

var masterKey = sync.OnceValue(func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
})

// fakeDownloader serves a signed trust bundle for example.org and VMCP
// documents signed with that domain's key over the request salt.
type fakeDownloader struct {
	conf      *config.Config
	signer    ed25519.PrivateKey
	bundle    string
	bundleSig string
}

func newFakeDownloader(t *testing.T, conf *config.Config) *fakeDownloader {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	bundle := "example.org=ed25519:" + strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + "\n"

	digest := sha512.Sum512([]byte(bundle))
	sig, err := rsa.SignPKCS1v15(rand.Reader, masterKey(), crypto.SHA512, digest[:])
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&masterKey().PublicKey)
	require.NoError(t, err)
	conf.MasterKey = base64.StdEncoding.EncodeToString(der)

	return &fakeDownloader{
		conf:      conf,
		signer:    priv,
		bundle:    bundle,
		bundleSig: base64.StdEncoding.EncodeToString(sig),
	}
}

func (f *fakeDownloader) DownloadText(_ context.Context, raw string) (string, error) {
	switch raw {
	case f.conf.KeystoreURL:
		return f.bundle, nil
	case f.conf.KeystoreSignatureURL:
		return f.bundleSig, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	doc := types.Payload{"name": "demo", "secret": "pw", "cpus": 1, "memory": 256}
	doc[keystore.SignatureField] = base64.StdEncoding.EncodeToString(
		ed25519.Sign(f.signer, keystore.SigningInput(doc, u.Query().Get("cvm_salt"))))
	data, err := json.Marshal(doc)
	return string(data), err
}

func (f *fakeDownloader) DownloadFile(context.Context, string, string) error { return nil }

type testEnv struct {
	core   *Core
	server *Server
	http   *httptest.Server
}

func newEnv(t *testing.T, tweak func(*config.Config)) *testEnv {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.ReadyTimeout = time.Second
	dl := newFakeDownloader(t, conf)
	if tweak != nil {
		tweak(conf)
	}
	hv, err := local.New(conf, dl)
	require.NoError(t, err)
	ks, err := keystore.New(conf)
	require.NoError(t, err)
	core, err := NewCore(conf, hv, dl, ks)
	require.NoError(t, err)

	srv := NewServer(core)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return &testEnv{core: core, server: srv, http: hs}
}

type frame struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (f frame) args(t *testing.T) []any {
	t.Helper()
	var out []any
	require.NoError(t, json.Unmarshal(f.Data, &out))
	return out
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (e *testEnv) dial(t *testing.T, origin string) *client {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.http.URL, "http")+"/ws", header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(name, id string, data map[string]any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(map[string]any{"type": "action", "name": name, "id": id, "data": data}))
}

func (c *client) next() frame {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(c.t, c.ws.ReadJSON(&f))
	return f
}

// until reads frames until match accepts one.
func (c *client) until(match func(frame) bool) frame {
	c.t.Helper()
	for {
		if f := c.next(); match(f) {
			return f
		}
	}
}

func isEvent(name string) func(frame) bool {
	return func(f frame) bool { return f.Type == frameEvent && f.Name == name }
}

func (c *client) handshake(auth string) {
	c.t.Helper()
	data := map[string]any{}
	if auth != "" {
		data["auth"] = auth
	}
	c.send("handshake", "hs", data)
	res := c.next()
	require.Equal(c.t, frameResult, res.Type)
	if auth != "" {
		ev := c.until(isEvent("privileged"))
		require.Equal(c.t, []any{true}, ev.args(c.t))
	}
}

// openSession runs a negotiation from the trusted origin to success and
// returns the id.
func (c *client) openSession() uint32 {
	c.t.Helper()
	c.send("requestSession", "req", map[string]any{"vmcp": "https://example.org/vmcp"})
	ask := c.until(isEvent("interact"))
	args := ask.args(c.t)
	require.Len(c.t, args, 3)
	assert.Equal(c.t, "confirm", args[0])
	assert.Contains(c.t, args[2], `"demo"`)

	c.send("interactionCallback", "cb", map[string]any{"result": 1})
	ok := c.until(func(f frame) bool { return f.Type == frameEvent && (f.Name == "succeed" || f.Name == "failed") })
	require.Equal(c.t, "succeed", ok.Name, "negotiation failed: %s", ok.Data)
	assert.Equal(c.t, "req", ok.ID)
	res := ok.args(c.t)
	require.Len(c.t, res, 2)
	return uint32(res[1].(float64))
}

func TestHandshake(t *testing.T) {
	e := newEnv(t, nil)
	c := e.dial(t, "https://example.org")

	c.send("handshake", "1", nil)
	f := c.next()
	assert.Equal(t, frameResult, f.Type)
	assert.Equal(t, "1", f.ID)
	assert.JSONEq(t, `{"version":"`+version.Protocol+`"}`, string(f.Data))
}

func TestHandshakeAuth(t *testing.T) {
	e := newEnv(t, nil)

	c := e.dial(t, "")
	c.send("handshake", "1", map[string]any{"auth": "bogus"})
	assert.Equal(t, frameResult, c.next().Type)
	ev := c.until(isEvent("privileged"))
	assert.Equal(t, []any{false}, ev.args(t))

	c2 := e.dial(t, "")
	c2.handshake(e.core.NewAuthKey())
}

func TestAuthKeyExpires(t *testing.T) {
	e := newEnv(t, nil)
	now := time.Now()
	e.core.now = func() time.Time { return now }
	key := e.core.NewAuthKey()
	assert.True(t, e.core.AuthKeyValid(key))

	now = now.Add(AuthKeyTTL)
	assert.False(t, e.core.AuthKeyValid(key))
	assert.Empty(t, e.core.authKeys)
}

func TestRequestSessionLifecycle(t *testing.T) {
	e := newEnv(t, nil)
	c := e.dial(t, trustedOrigin)
	c.handshake("")

	id := c.openSession()
	rec, ok := e.core.Registry().Lookup(id)
	require.True(t, ok)
	assert.Equal(t, "demo", rec.Session.Name())

	c.send("start", "s1", map[string]any{"session_id": id})
	res := c.until(func(f frame) bool { return f.Type == frameResult && f.ID == "s1" })
	assert.JSONEq(t, `{"state":"running"}`, string(res.Data))

	c.send("resume", "s2", map[string]any{"session_id": id})
	bad := c.until(func(f frame) bool { return f.ID == "s2" })
	assert.Equal(t, frameError, bad.Type)

	c.send("close", "s3", map[string]any{"session_id": id})
	c.until(func(f frame) bool { return f.Type == frameResult && f.ID == "s3" })
	assert.Zero(t, e.core.Registry().Len())
}

func TestRequestSessionUntrusted(t *testing.T) {
	e := newEnv(t, nil)
	c := e.dial(t, "https://evil.test")
	c.handshake("")

	c.send("requestSession", "r", map[string]any{"vmcp": "https://evil.test/vmcp"})
	assert.Equal(t, "started", c.next().Name)
	failed := c.until(isEvent("failed"))
	args := failed.args(t)
	require.Len(t, args, 2)
	assert.Equal(t, "The domain is not trusted", args[0])
	assert.EqualValues(t, types.CodeNotTrusted, args[1])
}

func TestRequestSessionWithoutKeystore(t *testing.T) {
	e := newEnv(t, func(conf *config.Config) { conf.MasterKey = "" })
	c := e.dial(t, trustedOrigin)
	c.handshake("")

	c.send("requestSession", "r", map[string]any{"vmcp": "https://example.org/vmcp"})
	failed := c.until(isEvent("failed"))
	args := failed.args(t)
	require.Len(t, args, 2)
	assert.Equal(t, "Unable to initialize cryptographic store", args[0])
	assert.EqualValues(t, types.CodeNotValidated, args[1])
}

func TestPrivilegedRequestIsStillVerified(t *testing.T) {
	e := newEnv(t, nil)
	c := e.dial(t, "http://localhost")
	c.handshake(e.core.NewAuthKey())

	c.send("requestSession", "r", map[string]any{"vmcp": "http://localhost/vmcp"})
	failed := c.until(isEvent("failed"))
	args := failed.args(t)
	require.Len(t, args, 2)
	assert.Equal(t, "The VMCP response signature could not be validated", args[0])
	assert.EqualValues(t, types.CodeNotValidated, args[1])
}

func TestRequestErrors(t *testing.T) {
	e := newEnv(t, nil)
	c := e.dial(t, "https://example.org")

	c.send("requestSession", "a", map[string]any{})
	assert.Equal(t, frame{Type: frameError, ID: "a", Error: "Missing 'vmcp' parameter"}, c.next())

	c.send("interactionCallback", "b", nil)
	assert.Equal(t, "Missing 'result' parameter", c.next().Error)

	c.send("pause", "c", map[string]any{"session_id": 12345})
	assert.Equal(t, "Unable to find a session with the specified session id!", c.next().Error)

	c.send("stop", "d", nil)
	assert.Equal(t, frameError, c.next().Type, "stop requires privileges")

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{nope")))
	assert.Equal(t, frameError, c.next().Type)

	require.NoError(t, c.ws.WriteJSON(map[string]any{"type": "action", "name": "handshake", "id": 7}))
	assert.Equal(t, "7", c.next().ID)
}

func TestSessionsAreScopedToConnection(t *testing.T) {
	e := newEnv(t, nil)
	owner := e.dial(t, trustedOrigin)
	id := owner.openSession()

	other := e.dial(t, trustedOrigin)
	other.send("pause", "x", map[string]any{"session_id": id})
	assert.Equal(t, frameError, other.next().Type)
}

func TestSessionIDOutOfRange(t *testing.T) {
	e := newEnv(t, nil)
	c := e.dial(t, trustedOrigin)
	c.handshake("")
	id := c.openSession()
	c.send("start", "s1", map[string]any{"session_id": id})
	c.until(func(f frame) bool { return f.Type == frameResult && f.ID == "s1" })

	// Truncated to 32 bits this would address the running session.
	wrapped := int64(id) + math.MaxUint32 + 1
	c.send("pause", "p", map[string]any{"session_id": wrapped})
	f := c.until(func(f frame) bool { return f.ID == "p" })
	assert.Equal(t, frameError, f.Type)
	assert.Equal(t, errNoSession, f.Error)

	rec, ok := e.core.Registry().Lookup(id)
	require.True(t, ok)
	assert.Equal(t, types.SessionStateRunning, rec.Session.State())
}

func TestDisconnectReleasesSessions(t *testing.T) {
	e := newEnv(t, nil)
	c := e.dial(t, trustedOrigin)
	c.openSession()
	require.Equal(t, 1, e.core.Registry().Len())

	require.NoError(t, c.ws.Close())
	assert.Eventually(t, func() bool { return e.core.Registry().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestDisconnectDuringConfirmationIsSilent(t *testing.T) {
	e := newEnv(t, nil)
	c := e.dial(t, trustedOrigin)
	c.send("requestSession", "req", map[string]any{"vmcp": "https://example.org/vmcp"})
	c.until(isEvent("interact"))

	require.NoError(t, c.ws.Close())
	e.server.Close()
	e.core.pipeline.Wait()
	assert.Zero(t, e.core.Throttle().Denials())
	assert.Zero(t, e.core.Registry().Len())
}

func TestSecondRequestSupersedesConfirmation(t *testing.T) {
	e := newEnv(t, nil)
	c := e.dial(t, trustedOrigin)

	c.send("requestSession", "first", map[string]any{"vmcp": "https://example.org/vmcp"})
	c.until(isEvent("interact"))
	c.send("requestSession", "second", map[string]any{"vmcp": "https://example.org/vmcp"})

	var denied, asked bool
	for !denied || !asked {
		f := c.next()
		switch {
		case f.Name == "failed" && f.ID == "first":
			assert.Equal(t, "User denied the allocation of new session", f.args(t)[0])
			denied = true
		case f.Name == "interact":
			asked = true
		}
	}
	assert.Equal(t, 1, e.core.Throttle().Denials())

	c.send("interactionCallback", "cb", map[string]any{"result": 1 | 4})
	ok := c.until(func(f frame) bool { return f.ID == "second" && (f.Name == "succeed" || f.Name == "failed") })
	assert.Equal(t, "succeed", ok.Name)
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, func(conf *config.Config) {
		conf.ActionRate = 0.001
		conf.ActionBurst = 1
	})
	c := e.dial(t, "")
	c.send("handshake", "1", nil)
	assert.Equal(t, frameResult, c.next().Type)
	c.send("handshake", "2", nil)
	f := c.next()
	assert.Equal(t, frameError, f.Type)
	assert.Equal(t, "2", f.ID)
}

func TestPrivilegedStop(t *testing.T) {
	e := newEnv(t, nil)
	c := e.dial(t, "")
	c.handshake(e.core.NewAuthKey())
	c.send("stop", "s", nil)
	assert.Equal(t, frameResult, c.next().Type)

	select {
	case <-e.core.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("core was not shut down")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t, nil)

	resp, err := http.Get(e.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, version.Protocol, health["protocol"])

	e.dial(t, "")
	assert.Eventually(t, func() bool {
		mresp, err := http.Get(e.http.URL + "/metrics")
		if err != nil {
			return false
		}
		defer mresp.Body.Close()
		body, err := io.ReadAll(mresp.Body)
		return err == nil && strings.Contains(string(body), "vmcpd_websocket_connections 1")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServeStopsOnShutdown(t *testing.T) {
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.Listen = "127.0.0.1:0"
	dl := newFakeDownloader(t, conf)
	hv, err := local.New(conf, dl)
	require.NoError(t, err)
	ks, err := keystore.New(conf)
	require.NoError(t, err)
	core, err := NewCore(conf, hv, dl, ks)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- NewServer(core).Serve(context.Background()) }()
	core.Shutdown()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestOriginDomain(t *testing.T) {
	cases := map[string]string{
		"":                      "",
		"null":                  "",
		"https://Example.org":   "Example.org",
		"http://localhost:8080": "localhost",
		"https://[::1]:443":     "::1",
	}
	for in, want := range cases {
		assert.Equal(t, want, originDomain(in), in)
	}
}
