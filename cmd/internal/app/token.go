package app

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"loom/cmd/internal/auth"
)

// RunToken implements `loom token`. It mints a PASETO access token for local
// testing, or prints a fresh key pair with -keygen.
func RunToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("loom token", flag.ContinueOnError)
	fs.SetOutput(out)
	var (
		keygen = fs.Bool("keygen", false, "print a new key pair and exit")
		secret = fs.String("secret", EnvString("LOOM_AUTH_PASETO_SECRET_KEY_HEX", ""), "hex-encoded Ed25519 secret key")
		issuer = fs.String("issuer", EnvString("LOOM_AUTH_ISSUER", "loom"), "token issuer")
		user   = fs.String("user", "", "user id (uid claim)")
		sid    = fs.String("session", "", "session id (sid claim), random when empty")
		ttl    = fs.Duration("ttl", time.Hour, "token lifetime")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *keygen {
		secretHex, publicHex := auth.GenerateKeyPair()
		_, err := fmt.Fprintf(out, "LOOM_AUTH_PASETO_SECRET_KEY_HEX=%s\nLOOM_AUTH_PASETO_PUBLIC_KEY_HEX=%s\n", secretHex, publicHex)
		return err
	}

	if strings.TrimSpace(*user) == "" {
		return errors.New("token: -user is required")
	}
	if *ttl <= 0 {
		return errors.New("token: -ttl must be positive")
	}
	signer, err := auth.NewPasetoSigner(*secret, *issuer)
	if err != nil {
		return fmt.Errorf("token: secret key: %w", err)
	}
	if *sid == "" {
		*sid = ulid.Make().String()
	}
	_, err = fmt.Fprintln(out, signer.Sign(strings.TrimSpace(*user), *sid, time.Now(), *ttl))
	return err
}
