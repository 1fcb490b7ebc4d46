package server

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/rs/zerolog"

	"vaultkeeper/internal/auth"
	cr "vaultkeeper/internal/crypto"
	"vaultkeeper/internal/kex"
	"vaultkeeper/internal/storage"
)

var testPin = auth.ArgonParams{Memory: 64, Time: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.KDF = KDFConfig{MemoryKiB: 64, Time: 1, Parallelism: 1}
	s, err := New(cfg, zerolog.Nop(), WithStore(storage.NewMemoryStore()), WithPinParams(testPin))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// testClient plays the extension: one source, one transport secret.
type testClient struct {
	t       *testing.T
	s       *Server
	source  int
	secret  []byte
	access  string
	refresh string
}

func (c *testClient) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SourceHeader, strconv.Itoa(c.source))
	if c.access != "" {
		req.Header.Set("Authorization", "Bearer "+c.access)
	}
	rec := httptest.NewRecorder()
	c.s.ServeHTTP(rec, req)
	return rec
}

func (c *testClient) handshake() {
	c.t.Helper()
	ck, err := kex.NewClientKey()
	if err != nil {
		c.t.Fatal(err)
	}
	rec := c.do("POST", "/handshake", map[string]any{
		"sourceId":        c.source,
		"clientPublicKey": base64.StdEncoding.EncodeToString(ck.PublicKey()),
	})
	if rec.Code != http.StatusOK {
		c.t.Fatalf("handshake: %d %s", rec.Code, rec.Body)
	}
	var resp handshakeResp
	decodeBody(c.t, rec, &resp)
	pub, _ := base64.StdEncoding.DecodeString(resp.ServerPublicKey)
	if c.secret, err = ck.Complete(pub); err != nil {
		c.t.Fatal(err)
	}
}

func (c *testClient) seal(pt string) string {
	c.t.Helper()
	ct, err := cr.EncryptTransport(c.secret, []byte(pt))
	if err != nil {
		c.t.Fatal(err)
	}
	return ct
}

func (c *testClient) open(ct string) string {
	c.t.Helper()
	pt, err := cr.DecryptTransport(c.secret, ct)
	if err != nil {
		c.t.Fatalf("open: %v", err)
	}
	return string(pt)
}

func (c *testClient) unlock(pass string) *httptest.ResponseRecorder {
	c.t.Helper()
	rec := c.do("POST", "/unlockvault", map[string]any{
		"passphraseCiphertext": c.seal(pass),
		"sourceId":             c.source,
	})
	if rec.Code == http.StatusCreated {
		var p auth.Pair
		decodeBody(c.t, rec, &p)
		c.access, c.refresh = p.AccessToken, p.RefreshToken
	}
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func wantError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (%s)", rec.Code, status, rec.Body)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error"] != code {
		t.Fatalf("error = %q, want %q", body["error"], code)
	}
}

func unlockedClient(t *testing.T) *testClient {
	t.Helper()
	c := &testClient{t: t, s: newTestServer(t), source: 1}
	c.handshake()
	if rec := c.unlock("correct horse battery"); rec.Code != http.StatusCreated {
		t.Fatalf("unlock: %d %s", rec.Code, rec.Body)
	}
	return c
}

func (c *testClient) addCredential(domain, user, secret string) storage.Credential {
	c.t.Helper()
	rec := c.do("POST", "/credentials", map[string]any{
		"domain":           domain,
		"username":         user,
		"secretCiphertext": c.seal(secret),
	})
	if rec.Code != http.StatusCreated {
		c.t.Fatalf("add credential: %d %s", rec.Code, rec.Body)
	}
	var cred storage.Credential
	decodeBody(c.t, rec, &cred)
	return cred
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
}

func TestUnlockLockScenario(t *testing.T) {
	c := &testClient{t: t, s: newTestServer(t), source: 1}
	c.handshake()

	if rec := c.unlock("correct horse battery"); rec.Code != http.StatusCreated {
		t.Fatalf("first unlock: %d %s", rec.Code, rec.Body)
	}
	if rec := c.do("GET", "/checkauth", nil); rec.Code != http.StatusOK {
		t.Fatalf("checkauth: %d", rec.Code)
	}
	preLock := c.access

	c.access = ""
	wantError(t, c.unlock("wrong wrong wrong"), http.StatusForbidden, "forbidden")
	c.access = preLock

	if rec := c.do("GET", "/lockvault", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("lock: %d %s", rec.Code, rec.Body)
	}
	wantError(t, c.do("GET", "/checkauth", nil), http.StatusUnauthorized, "unauthenticated")

	c.access = ""
	wantError(t, c.unlock("wrong wrong wrong"), http.StatusForbidden, "forbidden")
	if rec := c.unlock("correct horse battery"); rec.Code != http.StatusCreated {
		t.Fatalf("relock unlock: %d %s", rec.Code, rec.Body)
	}
	if c.access == preLock {
		t.Fatal("expected a fresh access token")
	}
	if rec := c.do("GET", "/checkauth", nil); rec.Code != http.StatusOK {
		t.Fatalf("checkauth after relock: %d", rec.Code)
	}
}

func TestTransportRequiresHandshake(t *testing.T) {
	c := unlockedClient(t)

	other := &testClient{t: t, s: c.s, source: 2, secret: c.secret, access: c.access}
	wantError(t, other.do("GET", "/checkauth", nil), http.StatusBadRequest, "no_shared_secret")

	req := httptest.NewRequest("GET", "/checkauth", nil)
	req.Header.Set("Authorization", "Bearer "+c.access)
	rec := httptest.NewRecorder()
	c.s.ServeHTTP(rec, req)
	wantError(t, rec, http.StatusBadRequest, "no_shared_secret")
}

func TestSourceIDMustMatchHeader(t *testing.T) {
	c := &testClient{t: t, s: newTestServer(t), source: 1}
	c.handshake()
	rec := c.do("POST", "/unlockvault", map[string]any{
		"passphraseCiphertext": c.seal("correct horse battery"),
		"sourceId":             9,
	})
	wantError(t, rec, http.StatusBadRequest, "protocol_error")
}

func TestTamperedCiphertextIsProtocolError(t *testing.T) {
	c := &testClient{t: t, s: newTestServer(t), source: 1}
	c.handshake()
	raw, _ := base64.StdEncoding.DecodeString(c.seal("correct horse battery"))
	truncated := base64.StdEncoding.EncodeToString(raw[:len(raw)-1])

	rec := c.do("POST", "/unlockvault", map[string]any{"passphraseCiphertext": truncated})
	wantError(t, rec, http.StatusBadRequest, "protocol_error")
	rec = c.do("POST", "/unlockvault", map[string]any{"passphraseCiphertext": "%%%"})
	wantError(t, rec, http.StatusBadRequest, "protocol_error")
	if c.s.vault.IsUnlocked() {
		t.Fatal("vault unlocked from a bad envelope")
	}
}

func TestHandshakeRejectsBadKey(t *testing.T) {
	c := &testClient{t: t, s: newTestServer(t), source: 1}
	rec := c.do("POST", "/handshake", map[string]any{
		"sourceId":        1,
		"clientPublicKey": base64.StdEncoding.EncodeToString([]byte("not a point")),
	})
	wantError(t, rec, http.StatusBadRequest, "protocol_error")

	rec = c.do("POST", "/handshake", map[string]any{"sourceId": -3, "clientPublicKey": ""})
	wantError(t, rec, http.StatusBadRequest, "protocol_error")
}

func TestRefreshTokenSingleUse(t *testing.T) {
	c := unlockedClient(t)
	first := c.refresh

	rec := c.do("POST", "/refreshtoken", map[string]any{"refreshToken": first})
	if rec.Code != http.StatusCreated {
		t.Fatalf("refresh: %d %s", rec.Code, rec.Body)
	}
	var p auth.Pair
	decodeBody(t, rec, &p)
	if p.RefreshToken == first || p.AccessToken == "" {
		t.Fatal("expected a new pair")
	}
	wantError(t, c.do("POST", "/refreshtoken", map[string]any{"refreshToken": first}), http.StatusBadRequest, "protocol_error")
}

func TestUpdatePassphrase(t *testing.T) {
	c := unlockedClient(t)

	rec := c.do("POST", "/updatevaultpassphrase", map[string]any{"newKeyCiphertext": c.seal("short")})
	wantError(t, rec, http.StatusBadRequest, "policy_violation")

	rec = c.do("POST", "/updatevaultpassphrase", map[string]any{"newKeyCiphertext": c.seal("Tr0ub4dor&3-Staple")})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("update: %d %s", rec.Code, rec.Body)
	}
	c.do("GET", "/lockvault", nil)
	c.access = ""
	wantError(t, c.unlock("correct horse battery"), http.StatusForbidden, "forbidden")
	if rec := c.unlock("Tr0ub4dor&3-Staple"); rec.Code != http.StatusCreated {
		t.Fatalf("unlock with new passphrase: %d", rec.Code)
	}
}

func TestCredentialsAndPinRelease(t *testing.T) {
	c := unlockedClient(t)
	cred := c.addCredential("example.com", "alice", "hunter2")
	c.addCredential("other.org", "bob", "s3cret")

	rec := c.do("GET", "/credentials?domain=EXAMPLE.com", nil)
	var list struct {
		Credentials []storage.Credential `json:"credentials"`
	}
	decodeBody(t, rec, &list)
	if len(list.Credentials) != 1 || list.Credentials[0].ID != cred.ID {
		t.Fatalf("list = %+v", list.Credentials)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("hunter2")) {
		t.Fatal("list leaked a secret")
	}

	release := func(body map[string]any) *httptest.ResponseRecorder {
		body["credentialId"] = cred.ID
		return c.do("POST", "/credentials/secret", body)
	}
	rec = release(map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("release: %d %s", rec.Code, rec.Body)
	}
	var rel releaseResp
	decodeBody(t, rec, &rel)
	if got := c.open(rel.SecretCiphertext); got != "hunter2" {
		t.Fatalf("secret = %q", got)
	}

	wantError(t, c.do("PUT", "/extraauth?credentialId="+cred.ID, map[string]any{"kind": "pin"}), http.StatusNotFound, "not_found")
	wantError(t, c.do("PUT", "/extraauth?credentialId="+cred.ID, map[string]any{"kind": "retina"}), http.StatusBadRequest, "protocol_error")

	wantError(t, c.do("POST", "/pincode", map[string]any{"credentialId": cred.ID, "pinCiphertext": c.seal("12a4")}), http.StatusBadRequest, "policy_violation")
	if rec := c.do("POST", "/pincode", map[string]any{"credentialId": cred.ID, "pinCiphertext": c.seal("1234")}); rec.Code != http.StatusCreated {
		t.Fatalf("set pin: %d %s", rec.Code, rec.Body)
	}
	if rec := c.do("PUT", "/extraauth?credentialId="+cred.ID, map[string]any{"kind": "pin"}); rec.Code != http.StatusOK {
		t.Fatalf("set kind: %d %s", rec.Code, rec.Body)
	}

	wantError(t, release(map[string]any{}), http.StatusUnauthorized, "unauthorized")
	wantError(t, release(map[string]any{"pinCiphertext": c.seal("9999")}), http.StatusUnauthorized, "unauthorized")
	rec = release(map[string]any{"pinCiphertext": c.seal("1234")})
	if rec.Code != http.StatusOK {
		t.Fatalf("release with pin: %d %s", rec.Code, rec.Body)
	}
	decodeBody(t, rec, &rel)
	if got := c.open(rel.SecretCiphertext); got != "hunter2" {
		t.Fatalf("secret = %q", got)
	}

	if rec := c.do("DELETE", "/pincode?credentialId="+cred.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete pin: %d", rec.Code)
	}
	var kind kindResp
	decodeBody(t, c.do("GET", "/extraauth?credentialId="+cred.ID, nil), &kind)
	if kind.Kind != "none" {
		t.Fatalf("kind after pin delete = %q", kind.Kind)
	}

	if rec := c.do("DELETE", "/credentials?credentialId="+cred.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	wantError(t, c.do("GET", "/extraauth?credentialId="+cred.ID, nil), http.StatusNotFound, "not_found")
}

func TestPassphraseRelease(t *testing.T) {
	c := unlockedClient(t)
	cred := c.addCredential("example.com", "alice", "hunter2")
	if rec := c.do("PUT", "/extraauth?credentialId="+cred.ID, map[string]any{"kind": "passphrase"}); rec.Code != http.StatusOK {
		t.Fatalf("set kind: %d", rec.Code)
	}
	body := map[string]any{"credentialId": cred.ID, "passphraseCiphertext": c.seal("nope")}
	wantError(t, c.do("POST", "/credentials/secret", body), http.StatusUnauthorized, "unauthorized")
	body["passphraseCiphertext"] = c.seal("correct horse battery")
	if rec := c.do("POST", "/credentials/secret", body); rec.Code != http.StatusOK {
		t.Fatalf("release: %d %s", rec.Code, rec.Body)
	}
}

// assertion builds what an authenticator would return for challenge.
func assertion(t *testing.T, priv *ecdsa.PrivateKey, challenge []byte, origin string) (authData, clientData, sig []byte) {
	t.Helper()
	rp := sha256.Sum256([]byte("example.com"))
	authData = append(rp[:], 0x05, 0, 0, 0, 1)
	clientData, _ = json.Marshal(map[string]string{
		"type":      "webauthn.get",
		"challenge": base64.RawURLEncoding.EncodeToString(challenge),
		"origin":    origin,
	})
	cdHash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(append([]byte{}, authData...), cdHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	return authData, clientData, sig
}

func TestPasskeyLoginFlow(t *testing.T) {
	c := unlockedClient(t)
	cred := c.addCredential("example.com", "alice", "hunter2")

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	spki, _ := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	reg := map[string]any{
		"credentialId": cred.ID,
		"publicKey":    base64.StdEncoding.EncodeToString(spki),
		"rawId":        base64.RawURLEncoding.EncodeToString([]byte("raw-1")),
		"origin":       "https://example.com",
	}
	if rec := c.do("POST", "/passkey", reg); rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body)
	}
	wantError(t, c.do("POST", "/passkey", reg), http.StatusConflict, "conflict")

	if rec := c.do("PUT", "/extraauth?credentialId="+cred.ID, map[string]any{"kind": "passkey"}); rec.Code != http.StatusOK {
		t.Fatalf("set kind: %d", rec.Code)
	}
	wantError(t, c.do("POST", "/credentials/secret", map[string]any{"credentialId": cred.ID}), http.StatusUnauthorized, "assertion_required")

	rec := c.do("GET", "/passkey?credentialId="+cred.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("challenge: %d %s", rec.Code, rec.Body)
	}
	var ch challengeResp
	decodeBody(t, rec, &ch)
	challenge := []byte(c.open(ch.ChallengeCiphertext))

	ad, cd, sig := assertion(t, priv, challenge, "https://www.example.com/login")
	verify := map[string]any{
		"credentialId":      cred.ID,
		"authenticatorData": base64.RawURLEncoding.EncodeToString(ad),
		"clientDataJSON":    base64.RawURLEncoding.EncodeToString(cd),
		"signature":         base64.RawURLEncoding.EncodeToString(sig),
		"login":             true,
	}
	rec = c.do("POST", "/passkey/verify", verify)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body)
	}
	var vr verifyPasskeyResp
	decodeBody(t, rec, &vr)
	if !vr.Verified || c.open(vr.SecretCiphertext) != "hunter2" {
		t.Fatalf("verify response = %+v", vr)
	}

	wantError(t, c.do("POST", "/passkey/verify", verify), http.StatusUnauthorized, "replay_or_mismatch")

	decodeBody(t, c.do("GET", "/passkey?credentialId="+cred.ID, nil), &ch)
	ad, cd, sig = assertion(t, priv, []byte(c.open(ch.ChallengeCiphertext)), "https://evil.example.net")
	verify["authenticatorData"] = base64.StdEncoding.EncodeToString(ad)
	verify["clientDataJSON"] = base64.StdEncoding.EncodeToString(cd)
	verify["signature"] = base64.StdEncoding.EncodeToString(sig)
	wantError(t, c.do("POST", "/passkey/verify", verify), http.StatusUnauthorized, "origin_mismatch")

	if rec := c.do("DELETE", "/passkey?credentialId="+cred.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete passkey: %d", rec.Code)
	}
	wantError(t, c.do("DELETE", "/passkey?credentialId="+cred.ID, nil), http.StatusNotFound, "not_found")
}

func TestAuthenticatorCodes(t *testing.T) {
	c := unlockedClient(t)
	cred := c.addCredential("example.com", "alice", "hunter2")
	seed := base32.StdEncoding.EncodeToString([]byte("12345678901234567890"))

	body := map[string]any{"credentialId": cred.ID, "secretCiphertext": c.seal(seed)}
	if rec := c.do("POST", "/authenticator", body); rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body)
	}
	wantError(t, c.do("POST", "/authenticator", body), http.StatusConflict, "conflict")

	rec := c.do("GET", "/authenticator?credentialId="+cred.ID+"&timestamp=59", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("compute: %d %s", rec.Code, rec.Body)
	}
	var code codeResp
	decodeBody(t, rec, &code)
	if got := c.open(code.CodeCiphertext); got != "287082" {
		t.Fatalf("code = %q", got)
	}
	if code.Remaining != 1 {
		t.Fatalf("remaining = %d", code.Remaining)
	}

	wantError(t, c.do("GET", "/authenticator?credentialId="+cred.ID+"&timestamp=yesterday", nil), http.StatusBadRequest, "protocol_error")
	if rec := c.do("DELETE", "/authenticator?credentialId="+cred.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("remove: %d", rec.Code)
	}
	wantError(t, c.do("GET", "/authenticator?credentialId="+cred.ID, nil), http.StatusNotFound, "not_found")
}

func TestUnlockRateLimitedPerIP(t *testing.T) {
	c := &testClient{t: t, s: newTestServer(t), source: 1}
	c.handshake()
	var last *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		last = c.unlock("correct horse battery")
	}
	wantError(t, last, http.StatusTooManyRequests, "rate_limited")
}

func TestAuditRecordsLifecycle(t *testing.T) {
	c := unlockedClient(t)
	c.addCredential("example.com", "alice", "hunter2")
	rec := c.do("GET", "/audit", nil)
	var body struct {
		Entries  []map[string]any `json:"entries"`
		Verified bool             `json:"verified"`
	}
	decodeBody(t, rec, &body)
	if !body.Verified || len(body.Entries) < 2 {
		t.Fatalf("audit = %+v", body)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("hunter2")) {
		t.Fatal("audit leaked a secret")
	}
}
