package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// originPolicy is the allow-list applied before the websocket upgrade.
type originPolicy struct {
	required bool
	allowed  []string
}

func (p originPolicy) check(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if p.required {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(p.allowed) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := originHost(origin)
	for _, a := range p.allowed {
		switch {
		case a == "*":
			return nil
		case origin == a:
			return nil
		case host != "" && host == originHost(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// acceptPatterns returns the host patterns handed to websocket.Accept so both origin layers agree:
// Accept rejects cross-origin requests whose host matches no pattern.
func (p originPolicy) acceptPatterns() []string {
	seen := make(map[string]struct{}, len(p.allowed))
	for _, a := range p.allowed {
		if a == "*" {
			return []string{"*"}
		}
		if h := originHost(a); h != "" {
			seen[h] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// originHost lowercases the host of a URL or host[:port] string, without the port.
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
