package auth

import (
	"context"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// PasetoConfig configures PasetoVerifier.
type PasetoConfig struct {
	// PublicKeyHex is the hex-encoded Ed25519 public key of the token issuer.
	PublicKeyHex string
	Issuer       string
	ClockSkew    time.Duration
}

// PasetoVerifier verifies PASETO v4.public access tokens carrying "uid" and "sid" claims.
type PasetoVerifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
	now       func() time.Time
}

// NewPasetoVerifier builds a verifier from an exported public key.
func NewPasetoVerifier(cfg PasetoConfig) (*PasetoVerifier, error) {
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(strings.TrimSpace(cfg.PublicKeyHex))
	if err != nil {
		return nil, ErrConfig
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, ErrConfig
	}
	return &PasetoVerifier{
		issuer:    cfg.Issuer,
		clockSkew: cfg.ClockSkew,
		public:    public,
		now:       time.Now,
	}, nil
}

// Resolve implements Resolver.
func (v *PasetoVerifier) Resolve(_ context.Context, token string) (Identity, error) {
	return v.Verify(token, v.now())
}

// Verify checks signature, issuer and validity window at now.
func (v *PasetoVerifier) Verify(token string, now time.Time) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}

	// Validate slightly in the future so "nbf" tolerates clock drift between issuer and server.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(v.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(now.Add(v.clockSkew)))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return Identity{}, ErrUnauthenticated
	}
	sid, _ := parsed.GetString("sid")
	exp, _ := parsed.GetExpiration()

	return Identity{UserID: uid, SessionID: sid, ExpiresAt: exp}, nil
}

// PasetoSigner issues tokens accepted by PasetoVerifier. The server never
// issues tokens itself; the signer backs tests and `loom token`.
type PasetoSigner struct {
	issuer string
	secret paseto.V4AsymmetricSecretKey
}

// NewPasetoSigner builds a signer from an exported secret key.
func NewPasetoSigner(secretKeyHex, issuer string) (*PasetoSigner, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(secretKeyHex))
	if err != nil {
		return nil, ErrConfig
	}
	return &PasetoSigner{issuer: issuer, secret: secret}, nil
}

// PublicKeyHex returns the verifier key for this signer.
func (s *PasetoSigner) PublicKeyHex() string { return s.secret.Public().ExportHex() }

// Sign issues a token for userID valid for ttl from now.
func (s *PasetoSigner) Sign(userID, sessionID string, now time.Time, ttl time.Duration) string {
	tok := paseto.NewToken()
	tok.SetIssuer(s.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(now.Add(ttl))
	_ = tok.Set("uid", userID)
	_ = tok.Set("sid", sessionID)
	return tok.V4Sign(s.secret, nil)
}

// GenerateKeyPair returns a fresh hex-encoded Ed25519 secret and public key.
func GenerateKeyPair() (secretHex, publicHex string) {
	secret := paseto.NewV4AsymmetricSecretKey()
	return secret.ExportHex(), secret.Public().ExportHex()
}
