// Package upstreamtest provides an in-process OpenID Provider for tests. It serves
// discovery, authorize, token (with PKCE enforcement and single-use codes), JWKS
// and end-session endpoints, and can sign back-channel logout tokens.
package upstreamtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// User is the identity the provider logs in on every authorize request.
type User struct {
	Subject           string
	Email             string
	Name              string
	PreferredUsername string
	Roles             []string
	SessionID         string
}

type grant struct {
	user      User
	challenge string
	nonce     string
	redirect  string
}

// Server is a fake OpenID Provider backed by httptest.
type Server struct {
	*httptest.Server

	ClientID     string
	ClientSecret string

	key *rsa.PrivateKey
	kid string

	mu             sync.Mutex
	user           User
	codes          map[string]grant
	refreshTokens  map[string]User
	rotateRefresh  bool
	failDiscovery  int
	discoveryCalls int
	tokenCalls     int
	omitEndSession bool
}

// NewServer starts a provider for the given client registration. Close it when done.
func NewServer(clientID, clientSecret string) *Server {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	s := &Server{
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		key:           key,
		kid:           "upstream-key-1",
		codes:         make(map[string]grant),
		refreshTokens: make(map[string]User),
		user: User{
			Subject:           "user-123",
			Email:             "alice@example.com",
			PreferredUsername: "alice",
			Roles:             []string{"cpds-admin"},
			SessionID:         "abc123",
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("/auth", s.handleAuthorize)
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/certs", s.handleJWKS)
	mux.HandleFunc("/logout", s.handleEndSession)
	s.Server = httptest.NewServer(mux)
	return s
}

// Issuer returns the provider issuer URL.
func (s *Server) Issuer() string { return s.URL }

// SetUser changes the identity issued by subsequent authorize requests.
func (s *Server) SetUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
}

// RotateRefreshTokens makes the token endpoint issue a new refresh token on every refresh.
func (s *Server) RotateRefreshTokens(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateRefresh = rotate
}

// FailDiscovery makes the next n discovery requests answer 503.
func (s *Server) FailDiscovery(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDiscovery = n
}

// OmitEndSession removes end_session_endpoint from the discovery document.
func (s *Server) OmitEndSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitEndSession = true
}

// DiscoveryCalls reports how many discovery requests were served or failed.
func (s *Server) DiscoveryCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discoveryCalls
}

// TokenCalls reports how many token requests were received.
func (s *Server) TokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls
}

// RevokeRefreshTokens forgets every refresh token, as an upstream session end would.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens = make(map[string]User)
}

// IssueCode registers an authorization code bound to challenge and nonce, as the
// authorize endpoint would.
func (s *Server) IssueCode(challenge, nonce, redirectURI string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := randomHex(16)
	s.codes[code] = grant{user: s.user, challenge: challenge, nonce: nonce, redirect: redirectURI}
	return code
}

// Sign signs arbitrary claims with the provider key.
func (s *Server) Sign(claims jwt.MapClaims) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.key)
	if err != nil {
		panic(err)
	}
	return signed
}

// LogoutToken signs a back-channel logout token for sid. Set withEvent to false to
// produce a token lacking the logout event.
func (s *Server) LogoutToken(sid string, withEvent bool) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.URL,
		"aud": s.ClientID,
		"sub": "user-123",
		"iat": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"jti": randomHex(8),
	}
	if sid != "" {
		claims["sid"] = sid
	}
	if withEvent {
		claims["events"] = map[string]any{"http://schemas.openid.net/event/backchannel-logout": map[string]any{}}
	}
	return s.Sign(claims)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.discoveryCalls++
	if s.failDiscovery > 0 {
		s.failDiscovery--
		s.mu.Unlock()
		http.Error(w, "starting up", http.StatusServiceUnavailable)
		return
	}
	omitEndSession := s.omitEndSession
	s.mu.Unlock()

	doc := map[string]any{
		"issuer":                                s.URL,
		"authorization_endpoint":                s.URL + "/auth",
		"token_endpoint":                        s.URL + "/token",
		"jwks_uri":                              s.URL + "/certs",
		"userinfo_endpoint":                     s.URL + "/userinfo",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
		"backchannel_logout_supported":          true,
		"backchannel_logout_session_supported":  true,
	}
	if !omitEndSession {
		doc["end_session_endpoint"] = s.URL + "/logout"
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != s.ClientID || q.Get("response_type") != "code" {
		http.Error(w, "bad authorize request", http.StatusBadRequest)
		return
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		http.Error(w, "pkce required", http.StatusBadRequest)
		return
	}
	redirect := q.Get("redirect_uri")
	code := s.IssueCode(q.Get("code_challenge"), q.Get("nonce"), redirect)

	target, err := url.Parse(redirect)
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}
	rq := target.Query()
	rq.Set("code", code)
	rq.Set("state", q.Get("state"))
	rq.Set("session_state", s.user.SessionID)
	target.RawQuery = rq.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.tokenCalls++
	s.mu.Unlock()

	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != s.ClientID || secret != s.ClientSecret {
		tokenError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.mu.Lock()
		g, found := s.codes[r.PostForm.Get("code")]
		delete(s.codes, r.PostForm.Get("code"))
		s.mu.Unlock()
		if !found {
			tokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		if g.redirect != "" && r.PostForm.Get("redirect_uri") != g.redirect {
			tokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		if s256(r.PostForm.Get("code_verifier")) != g.challenge {
			tokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		s.issueTokens(w, g.user, g.nonce, "")
	case "refresh_token":
		rt := r.PostForm.Get("refresh_token")
		s.mu.Lock()
		user, found := s.refreshTokens[rt]
		rotate := s.rotateRefresh
		if found && rotate {
			delete(s.refreshTokens, rt)
		}
		s.mu.Unlock()
		if !found {
			tokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		keep := rt
		if rotate {
			keep = ""
		}
		s.issueTokens(w, user, "", keep)
	default:
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

// issueTokens answers a token request. When keepRefresh is set the refresh token is
// not rotated and the response omits it, as providers commonly do.
func (s *Server) issueTokens(w http.ResponseWriter, user User, nonce, keepRefresh string) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":                s.URL,
		"aud":                s.ClientID,
		"azp":                s.ClientID,
		"sub":                user.Subject,
		"iat":                now.Unix(),
		"exp":                now.Add(5 * time.Minute).Unix(),
		"email":              user.Email,
		"preferred_username": user.PreferredUsername,
		"realm_access":       map[string]any{"roles": user.Roles},
	}
	if user.Name != "" {
		claims["name"] = user.Name
	}
	if user.SessionID != "" {
		claims["sid"] = user.SessionID
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}

	resp := map[string]any{
		"access_token": randomHex(16),
		"token_type":   "Bearer",
		"expires_in":   300,
		"id_token":     s.Sign(claims),
	}
	if keepRefresh == "" {
		rt := randomHex(16)
		s.mu.Lock()
		s.refreshTokens[rt] = user
		s.mu.Unlock()
		resp["refresh_token"] = rt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     s.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("post_logout_redirect_uri")
	if target == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func tokenError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
