package flow

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"qqconnect/qq"
)

type stubProvider struct {
	mu sync.Mutex

	token    qq.TokenResult
	identity qq.OpaqueIdentity
	idErr    error
	profile  qq.UserProfile
	profErr  error
	refresh  qq.TokenResult

	exchangeCalls int
	identityCalls int
	profileCalls  int
	lastCode      string
	lastOpenID    string
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		token: qq.TokenResult{
			AccessToken:  "AT1",
			RefreshToken: "RT1",
			TokenType:    "Bearer",
			ExpiresAt:    time.Now().Add(2 * time.Hour),
			OtherParams:  map[string]string{"scope": "get_user_info,,list_album"},
		},
		identity: qq.OpaqueIdentity{ID: "O1", ClientID: "app1"},
		profile: qq.UserProfile{
			"ret":          "0",
			"nickname":     "Alice",
			"figureurl_qq": "http://x/a.png",
			"figureurl":    "http://x/small.png",
			"gender":       "女",
			"province":     "Guangdong",
			"city":         "Shenzhen",
			"openid":       "O1",
		},
	}
}

func (s *stubProvider) AuthorizationURL(state, scope, redirectURI string) string {
	q := url.Values{}
	q.Set("state", state)
	q.Set("scope", scope)
	q.Set("redirect_uri", redirectURI)
	return "https://graph.example/oauth2.0/authorize?" + q.Encode()
}

func (s *stubProvider) ExchangeCode(_ context.Context, code, _ string) qq.TokenResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchangeCalls++
	s.lastCode = code
	return s.token
}

func (s *stubProvider) Refresh(_ context.Context, _ string) qq.TokenResult {
	return s.refresh
}

func (s *stubProvider) ResolveIdentity(_ context.Context, _ string) (qq.OpaqueIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identityCalls++
	return s.identity, s.idErr
}

func (s *stubProvider) FetchUserProfile(_ context.Context, _, openid string) (qq.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profileCalls++
	s.lastOpenID = openid
	if s.profErr != nil {
		return nil, s.profErr
	}
	return s.profile, nil
}

func newTestController(p Provider) (*Controller, *MemoryStore) {
	store := NewMemoryStore(time.Minute)
	return New(p, store, Options{}), store
}

func stateFromURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	return u.Query().Get("state")
}

func failureKinds(t *testing.T, err error) []string {
	t.Helper()
	var af *AuthFailure
	if !errors.As(err, &af) {
		t.Fatalf("expected *AuthFailure, got %v", err)
	}
	return FailureKinds(af)
}

func TestBeginRequestGeneratesUniqueStates(t *testing.T) {
	c, _ := newTestController(newStubProvider())
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		redirect, pending, err := c.BeginRequest(RequestParams{Scope: "get_user_info"})
		if err != nil {
			t.Fatalf("BeginRequest returned error: %v", err)
		}
		if len(pending.State) != 32 {
			t.Fatalf("state should be 32 hex chars, got %q", pending.State)
		}
		if got := stateFromURL(t, redirect); got != pending.State {
			t.Fatalf("redirect state %q does not match pending %q", got, pending.State)
		}
		if seen[pending.State] {
			t.Fatalf("duplicate state %q", pending.State)
		}
		seen[pending.State] = true
	}
}

func TestBeginRequestKeepsCallerState(t *testing.T) {
	c, _ := newTestController(newStubProvider())
	given := strings.Repeat("ab", 16)
	redirect, pending, err := c.BeginRequest(RequestParams{State: given})
	if err != nil {
		t.Fatalf("BeginRequest returned error: %v", err)
	}
	if pending.State != given || stateFromURL(t, redirect) != given {
		t.Fatalf("caller state not kept: %q %q", pending.State, redirect)
	}
}

func TestRequestRejectsWeakCallerState(t *testing.T) {
	tests := map[string]string{
		"short":      "given",
		"known word": "attacker-known",
		"not hex":    strings.Repeat("zz", 16),
		"31 hex":     strings.Repeat("a", 31),
		"odd length": strings.Repeat("a", 33),
	}
	for name, state := range tests {
		c, store := newTestController(newStubProvider())
		_, err := c.Request(context.Background(), "nonce-1", RequestParams{State: state})
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("%s: expected ErrInvalidState, got %v", name, err)
		}
		if store.Len() != 0 {
			t.Fatalf("%s: rejected state must not be stored", name)
		}
	}
}

func TestCallbackSuccess(t *testing.T) {
	p := newStubProvider()
	c, _ := newTestController(p)
	ctx := context.Background()

	redirect, err := c.Request(ctx, "nonce-1", RequestParams{Scope: "get_user_info"})
	if err != nil {
		t.Fatalf("Request returned error: %v", err)
	}
	state := stateFromURL(t, redirect)

	res, err := c.Callback(ctx, "nonce-1", CallbackParams{Code: "CODE", State: state})
	if err != nil {
		t.Fatalf("Callback returned error: %v", err)
	}
	if res.UID != "O1" {
		t.Fatalf("uid = %q", res.UID)
	}
	if res.Info.Gender != GenderFemale {
		t.Fatalf("gender = %v", res.Info.Gender)
	}
	if strings.Join(res.Info.Areas, ",") != "Guangdong,Shenzhen" {
		t.Fatalf("areas = %v", res.Info.Areas)
	}
	if res.Info.ImageURL != "http://x/a.png" {
		t.Fatalf("image url = %q", res.Info.ImageURL)
	}
	if res.Info.Nickname != "Alice" {
		t.Fatalf("nickname = %q", res.Info.Nickname)
	}
	if strings.Join(res.Credentials.Scopes, "|") != "get_user_info|list_album" {
		t.Fatalf("scopes = %v", res.Credentials.Scopes)
	}
	if !res.Credentials.Expires || res.Credentials.Token != "AT1" || res.Credentials.RefreshToken != "RT1" {
		t.Fatalf("unexpected credentials %#v", res.Credentials)
	}
	if res.Raw.Profile.Get(qq.IdentityField) != "O1" {
		t.Fatalf("raw profile lost the identity field")
	}
	if p.lastCode != "CODE" || p.lastOpenID != "O1" {
		t.Fatalf("provider called with code=%q openid=%q", p.lastCode, p.lastOpenID)
	}
}

func TestCallbackStateMismatchSkipsNetwork(t *testing.T) {
	p := newStubProvider()
	c, _ := newTestController(p)
	ctx := context.Background()

	if _, err := c.Request(ctx, "nonce-1", RequestParams{}); err != nil {
		t.Fatalf("Request returned error: %v", err)
	}
	_, err := c.Callback(ctx, "nonce-1", CallbackParams{Code: "CODE", State: "forged"})
	if kinds := failureKinds(t, err); len(kinds) != 1 || kinds[0] != KindStateMismatch {
		t.Fatalf("kinds = %v", kinds)
	}
	if p.exchangeCalls != 0 {
		t.Fatalf("token endpoint called %d times", p.exchangeCalls)
	}
}

func TestCallbackMissingCodeCheckedFirst(t *testing.T) {
	p := newStubProvider()
	c, store := newTestController(p)
	ctx := context.Background()

	if _, err := c.Request(ctx, "nonce-1", RequestParams{}); err != nil {
		t.Fatalf("Request returned error: %v", err)
	}
	_, err := c.Callback(ctx, "nonce-1", CallbackParams{State: "wrong"})
	if kinds := failureKinds(t, err); len(kinds) != 1 || kinds[0] != KindMissingCode {
		t.Fatalf("kinds = %v", kinds)
	}
	if p.exchangeCalls+p.identityCalls+p.profileCalls != 0 {
		t.Fatalf("provider should not be called")
	}
	if store.Len() != 0 {
		t.Fatalf("pending state should be consumed even when the code is missing")
	}
}

func TestCallbackStateIsSingleUse(t *testing.T) {
	p := newStubProvider()
	c, _ := newTestController(p)
	ctx := context.Background()

	redirect, err := c.Request(ctx, "nonce-1", RequestParams{})
	if err != nil {
		t.Fatalf("Request returned error: %v", err)
	}
	params := CallbackParams{Code: "CODE", State: stateFromURL(t, redirect)}
	if _, err := c.Callback(ctx, "nonce-1", params); err != nil {
		t.Fatalf("first callback failed: %v", err)
	}
	_, err = c.Callback(ctx, "nonce-1", params)
	if kinds := failureKinds(t, err); kinds[0] != KindStateMismatch {
		t.Fatalf("replayed callback kinds = %v", kinds)
	}
	if p.exchangeCalls != 1 {
		t.Fatalf("token endpoint called %d times, want 1", p.exchangeCalls)
	}
}

func TestCompleteCallbackEmptyStoredStateNeverMatches(t *testing.T) {
	p := newStubProvider()
	c, _ := newTestController(p)
	_, err := c.CompleteCallback(context.Background(), CallbackParams{Code: "CODE", State: ""}, "")
	if kinds := failureKinds(t, err); kinds[0] != KindStateMismatch {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestCompleteCallbackTokenFailure(t *testing.T) {
	tests := map[string]struct {
		params  map[string]string
		kind    string
		message string
	}{
		"provider error": {
			params:  map[string]string{"error": "100019", "error_description": "code to access token error"},
			kind:    "100019",
			message: "code to access token error",
		},
		"generic": {
			params:  map[string]string{},
			kind:    KindToken,
			message: "access token exchange failed",
		},
	}
	for name, tc := range tests {
		p := newStubProvider()
		p.token = qq.TokenResult{TokenType: "Bearer", OtherParams: tc.params}
		c, _ := newTestController(p)

		_, err := c.CompleteCallback(context.Background(), CallbackParams{Code: "CODE", State: "s"}, "s")
		var af *AuthFailure
		if !errors.As(err, &af) || len(af.Failures) != 1 {
			t.Fatalf("%s: expected single failure, got %v", name, err)
		}
		if af.Failures[0].Kind != tc.kind || af.Failures[0].Message != tc.message {
			t.Fatalf("%s: got %+v", name, af.Failures[0])
		}
		if p.identityCalls != 0 {
			t.Fatalf("%s: identity must not be resolved without a token", name)
		}
	}
}

func TestCompleteCallbackIdentityFailureSkipsProfile(t *testing.T) {
	p := newStubProvider()
	p.idErr = &qq.IdentityError{Code: "100", Message: "param error"}
	c, _ := newTestController(p)

	_, err := c.CompleteCallback(context.Background(), CallbackParams{Code: "CODE", State: "s"}, "s")
	var af *AuthFailure
	if !errors.As(err, &af) {
		t.Fatalf("expected AuthFailure, got %v", err)
	}
	if af.Kind() != KindIdentity || af.Failures[0].Message != "param error" {
		t.Fatalf("unexpected failure %+v", af.Failures)
	}
	if p.profileCalls != 0 {
		t.Fatalf("profile fetched after identity failure")
	}
}

func TestCompleteCallbackProfileFailure(t *testing.T) {
	p := newStubProvider()
	p.profErr = &qq.ProfileError{Ret: "1002", Message: "请先登录"}
	c, _ := newTestController(p)

	_, err := c.CompleteCallback(context.Background(), CallbackParams{Code: "CODE", State: "s"}, "s")
	var af *AuthFailure
	if !errors.As(err, &af) || af.Kind() != KindProfile || af.Failures[0].Message != "请先登录" {
		t.Fatalf("unexpected result %v", err)
	}
}

func TestCompleteCallbackUIDField(t *testing.T) {
	p := newStubProvider()
	c := New(p, NewMemoryStore(time.Minute), Options{UIDField: "nickname"})
	res, err := c.CompleteCallback(context.Background(), CallbackParams{Code: "CODE", State: "s"}, "s")
	if err != nil {
		t.Fatalf("CompleteCallback returned error: %v", err)
	}
	if res.UID != "Alice" {
		t.Fatalf("uid = %q", res.UID)
	}

	c = New(p, NewMemoryStore(time.Minute), Options{UIDField: "unionid"})
	res, err = c.CompleteCallback(context.Background(), CallbackParams{Code: "CODE", State: "s"}, "s")
	if err != nil {
		t.Fatalf("CompleteCallback returned error: %v", err)
	}
	if res.UID != "" {
		t.Fatalf("uid should be empty when the field is missing, got %q", res.UID)
	}
}

func TestCompleteCallbackNoScopeOrExpiry(t *testing.T) {
	p := newStubProvider()
	p.token = qq.TokenResult{AccessToken: "AT1", TokenType: "Bearer"}
	c, _ := newTestController(p)

	res, err := c.CompleteCallback(context.Background(), CallbackParams{Code: "CODE", State: "s"}, "s")
	if err != nil {
		t.Fatalf("CompleteCallback returned error: %v", err)
	}
	if len(res.Credentials.Scopes) != 0 || res.Credentials.Scopes == nil {
		t.Fatalf("scopes should be an empty list, got %#v", res.Credentials.Scopes)
	}
	if res.Credentials.Expires {
		t.Fatalf("expires should be false without expires_in")
	}
}

func TestParseGender(t *testing.T) {
	tests := map[string]Gender{
		"男":      GenderMale,
		"male":   GenderMale,
		"女":      GenderFemale,
		"female": GenderFemale,
		"Male":   GenderDefault,
		"":       GenderDefault,
		"未知":     GenderDefault,
	}
	for in, want := range tests {
		if got := ParseGender(in); got != want {
			t.Fatalf("ParseGender(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPickImagePriority(t *testing.T) {
	profile := qq.UserProfile{"figureurl": "a", "figureurl_1": "b", "figureurl_qq_1": "c"}
	if got := pickImage(profile); got != "c" {
		t.Fatalf("pickImage = %q", got)
	}
	if got := pickImage(qq.UserProfile{}); got != "" {
		t.Fatalf("pickImage on empty profile = %q", got)
	}
}

func TestCollectAreasSkipsEmpty(t *testing.T) {
	got := collectAreas(qq.UserProfile{"province": "", "city": "Shenzhen"})
	if len(got) != 1 || got[0] != "Shenzhen" {
		t.Fatalf("areas = %v", got)
	}
}

func TestAuthResultJSON(t *testing.T) {
	res := AuthResult{UID: "O1", Info: Info{Gender: GenderMale}}
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"gender":"male"`) {
		t.Fatalf("gender should marshal as text: %s", b)
	}
}

func TestInfoJSONDecodesGender(t *testing.T) {
	for _, g := range []Gender{GenderDefault, GenderMale, GenderFemale} {
		b, err := json.Marshal(Info{Gender: g})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var got Info
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if got.Gender != g {
			t.Fatalf("gender %v decoded as %v", g, got.Gender)
		}
	}

	var info Info
	if err := json.Unmarshal([]byte(`{"gender":"男"}`), &info); err == nil {
		t.Fatalf("expected error for a raw provider literal")
	}
}

func TestPhaseLabels(t *testing.T) {
	tests := map[Phase]string{
		PhaseRequestIssued:   "request_issued",
		PhaseCallbackPending: "callback_pending",
		PhaseSucceeded:       "succeeded",
		PhaseFailed:          "failed",
		Phase(0):             "unknown",
	}
	for p, want := range tests {
		if got := p.String(); got != want {
			t.Fatalf("Phase(%d) = %q, want %q", int(p), got, want)
		}
	}
}

func TestRefresh(t *testing.T) {
	p := newStubProvider()
	p.refresh = qq.TokenResult{AccessToken: "AT2", RefreshToken: "RT2", TokenType: "Bearer"}
	c, _ := newTestController(p)

	creds, err := c.Refresh(context.Background(), "RT1")
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if creds.Token != "AT2" || creds.RefreshToken != "RT2" {
		t.Fatalf("unexpected credentials %#v", creds)
	}

	p.refresh = qq.TokenResult{OtherParams: map[string]string{"error": "fail", "error_description": "access_token fetch fail"}}
	_, err = c.Refresh(context.Background(), "RT1")
	if kinds := failureKinds(t, err); kinds[0] != KindToken {
		t.Fatalf("kinds = %v", kinds)
	}
}

type failingStore struct{}

func (failingStore) Put(context.Context, string, string, time.Duration) error {
	return errors.New("store down")
}

func (failingStore) Take(context.Context, string) (string, bool, error) {
	return "", false, errors.New("store down")
}

func TestStoreFailures(t *testing.T) {
	p := newStubProvider()
	c := New(p, failingStore{}, Options{})
	if _, err := c.Request(context.Background(), "k", RequestParams{}); err == nil {
		t.Fatalf("expected store error from Request")
	}
	_, err := c.Callback(context.Background(), "k", CallbackParams{Code: "CODE", State: "s"})
	if kinds := failureKinds(t, err); kinds[0] != KindStateMismatch {
		t.Fatalf("store failure on take should read as mismatch, got %v", kinds)
	}
	if p.exchangeCalls != 0 {
		t.Fatalf("token endpoint should not be called")
	}
}
