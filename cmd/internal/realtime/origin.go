package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// originPolicy decides which browser origins may open a sync socket.
// Entries match either the full origin or, ignoring scheme and port, its host.
type originPolicy struct {
	required bool
	any      bool
	exact    map[string]struct{}
	hosts    map[string]struct{}
}

func newOriginPolicy(required bool, allowed []string) originPolicy {
	p := originPolicy{
		required: required,
		exact:    make(map[string]struct{}, len(allowed)),
		hosts:    make(map[string]struct{}, len(allowed)),
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		switch a {
		case "":
			continue
		case "*":
			p.any = true
			continue
		}
		p.exact[a] = struct{}{}
		if h := originHost(a); h != "" {
			p.hosts[h] = struct{}{}
		}
	}
	return p
}

func (p originPolicy) check(origin string) error {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		if p.required {
			return errors.New("missing origin")
		}
		return nil
	}
	if p.any {
		return nil
	}
	if len(p.exact) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}
	if _, ok := p.exact[origin]; ok {
		return nil
	}
	if _, ok := p.hosts[originHost(origin)]; ok {
		return nil
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// acceptPatterns returns the host patterns handed to websocket.Accept, which
// runs its own cross-origin check after ours.
func (p originPolicy) acceptPatterns() []string {
	if p.any {
		return []string{"*"}
	}
	out := make([]string, 0, len(p.hosts))
	for h := range p.hosts {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// originHost lowercases the host of an origin URL or a bare host[:port].
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return strings.ToLower(strings.TrimSpace(s))
}
