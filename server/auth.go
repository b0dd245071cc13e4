package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// TokenWindow is how far a token's time may be from ours
	TokenWindow = 10 * time.Minute

	// MaxReplayEntries bounds the accepted token hashes kept for replay
	// detection
	MaxReplayEntries = 10000
)

var (
	ErrInvalidToken = errors.New("Invalid auth token")
	ErrTokenExpired = errors.New("Auth token outside of the accepted time window")
	ErrTokenReplay  = errors.New("Auth token was already used")
	ErrReplayFull   = errors.New("Too many auth tokens in use")
)

// Token is the verified content of an auth token
type Token struct {
	User    string
	Time    time.Time
	Options map[string]interface{}
	Admin   bool
}

// Authenticator verifies the HMAC signed tokens clients send as their first
// message:
//
//	{"data":"{\"username\":\"alice\",\"time\":1700000000000}","hash":"<hex hmac-sha256 of data>"}
type Authenticator struct {
	secret []byte
	window time.Duration
	max    int
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

type AuthOptions struct {
	Secret string

	// Window defaults to TokenWindow
	Window time.Duration

	// MaxEntries defaults to MaxReplayEntries
	MaxEntries int

	// Now defaults to time.Now
	Now func() time.Time
}

func NewAuthenticator(options AuthOptions) *Authenticator {
	if options.Window <= 0 {
		options.Window = TokenWindow
	}
	if options.MaxEntries <= 0 {
		options.MaxEntries = MaxReplayEntries
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	return &Authenticator{
		secret: []byte(options.Secret),
		window: options.Window,
		max:    options.MaxEntries,
		now:    options.Now,
		seen:   map[string]time.Time{},
	}
}

// Sign returns a token for data, used by tests and tooling
func (a *Authenticator) Sign(data string) string {
	return hex.EncodeToString(a.mac(data))
}

func (a *Authenticator) mac(data string) []byte {
	h := hmac.New(sha256.New, a.secret)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// Verify checks message and remembers its hash. Errors are for logging
// only, clients are never told why they were refused.
func (a *Authenticator) Verify(message []byte) (*Token, error) {
	if !gjson.ValidBytes(message) {
		return nil, fmt.Errorf("%w: not JSON", ErrInvalidToken)
	}

	envelope := gjson.ParseBytes(message)
	data := envelope.Get("data")
	hash := envelope.Get("hash")
	if data.Type != gjson.String || hash.Type != gjson.String {
		return nil, fmt.Errorf("%w: data and hash must be strings", ErrInvalidToken)
	}

	given, err := hex.DecodeString(hash.String())
	if err != nil || !hmac.Equal(given, a.mac(data.String())) {
		return nil, fmt.Errorf("%w: hash mismatch", ErrInvalidToken)
	}

	token, err := parseTokenData(data.String())
	if err != nil {
		return nil, err
	}

	now := a.now()
	if d := now.Sub(token.Time); d >= a.window || d <= -a.window {
		return nil, ErrTokenExpired
	}

	if err := a.remember(hash.String(), now); err != nil {
		return nil, err
	}

	return token, nil
}

func parseTokenData(raw string) (*Token, error) {
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("%w: data is not JSON", ErrInvalidToken)
	}

	data := gjson.Parse(raw)

	user := data.Get("username")
	if user.Type != gjson.String {
		return nil, fmt.Errorf("%w: username must be a string", ErrInvalidToken)
	}

	ms := data.Get("time")
	if ms.Type != gjson.Number || float64(ms.Int()) != ms.Num {
		return nil, fmt.Errorf("%w: time must be an integer", ErrInvalidToken)
	}

	token := &Token{
		User:    user.String(),
		Time:    time.UnixMilli(ms.Int()),
		Options: map[string]interface{}{},
		Admin:   data.Get("admin").Bool(),
	}

	if options := data.Get("options"); options.IsObject() {
		if m, ok := options.Value().(map[string]interface{}); ok {
			token.Options = m
		}
	}

	return token, nil
}

// remember records hash until it can no longer be valid. When the cache is
// full even after pruning, new tokens are refused.
func (a *Authenticator) remember(hash string, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.seen[hash]; ok {
		return ErrTokenReplay
	}

	if len(a.seen) >= a.max {
		a.prune(now)
		if len(a.seen) >= a.max {
			return ErrReplayFull
		}
	}

	// a token is valid for at most twice the window, one second of slack
	a.seen[hash] = now.Add(2*a.window + time.Second)
	return nil
}

// prune must be called with a.mu held
func (a *Authenticator) prune(now time.Time) {
	for hash, expires := range a.seen {
		if now.After(expires) {
			delete(a.seen, hash)
		}
	}
}

// Prune forgets the hashes of expired tokens
func (a *Authenticator) Prune() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.prune(a.now())
}

// Remembered is the number of token hashes kept for replay detection
func (a *Authenticator) Remembered() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.seen)
}
