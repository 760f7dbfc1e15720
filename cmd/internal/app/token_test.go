package app

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"loom/cmd/internal/auth"
)

func TestRunToken_KeygenThenSign(t *testing.T) {
	t.Parallel()

	var keys bytes.Buffer
	if err := RunToken([]string{"-keygen"}, &keys); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	env := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(keys.String()), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			t.Fatalf("keygen line %q", line)
		}
		env[k] = v
	}

	var tok bytes.Buffer
	err := RunToken([]string{
		"-secret", env["LOOM_AUTH_PASETO_SECRET_KEY_HEX"],
		"-issuer", "loom",
		"-user", "user-a",
		"-session", "s-1",
		"-ttl", "10m",
	}, &tok)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	v, err := auth.NewPasetoVerifier(auth.PasetoConfig{
		PublicKeyHex: env["LOOM_AUTH_PASETO_PUBLIC_KEY_HEX"],
		Issuer:       "loom",
		ClockSkew:    time.Second,
	})
	if err != nil {
		t.Fatalf("NewPasetoVerifier: %v", err)
	}
	id, err := v.Verify(strings.TrimSpace(tok.String()), time.Now())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "user-a" || id.SessionID != "s-1" {
		t.Fatalf("identity=%+v", id)
	}
}

func TestRunToken_Rejects(t *testing.T) {
	t.Parallel()

	secret, _ := auth.GenerateKeyPair()
	cases := []struct {
		name string
		args []string
	}{
		{name: "no user", args: []string{"-secret", secret}},
		{name: "bad secret", args: []string{"-secret", "zz", "-user", "u"}},
		{name: "zero ttl", args: []string{"-secret", secret, "-user", "u", "-ttl", "0s"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			if err := RunToken(tc.args, &out); err == nil {
				t.Fatalf("RunToken(%v) succeeded", tc.args)
			}
		})
	}
}
