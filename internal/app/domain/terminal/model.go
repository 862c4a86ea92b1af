// Package terminal defines the terminal catalog entry: static portal
// configuration plus the runtime session, health and stats state that is
// persisted against it.
package terminal

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Group identifies the protocol family a terminal speaks. One adapter
// implementation serves every terminal in a group; the terminals still
// own independent sessions.
type Group string

const (
	// GroupTideworks covers the Seattle-harbor Tideworks portals
	// (Terminal 5, Terminal 18, ...): Spring Security form login and
	// HTML result tables.
	GroupTideworks Group = "tideworks"
	// GroupWUT is the Washington United Terminals portal: form login
	// and a script-embedded JSON result payload.
	GroupWUT Group = "wut"
	// GroupETS is the ETSLink family (PCT): verify-key login that mints
	// a server-side session key, columnar JSON responses.
	GroupETS Group = "ets"
)

// Extension carries group-specific session state. Kept as a tagged
// variant instead of optional fields on the session so a group cannot
// read another group's state by accident. Token is the serialized form
// persisted alongside the cookie jar.
type Extension interface {
	Group() Group
	Token() string
}

// ETSExtension holds the server-issued session key the ETS family
// requires on every request after login.
type ETSExtension struct {
	SessionKey string
}

func (ETSExtension) Group() Group    { return GroupETS }
func (e ETSExtension) Token() string { return e.SessionKey }

// ExtensionFor rebuilds a group's extension from its persisted token.
// Groups without secondary session state return nil.
func ExtensionFor(g Group, token string) Extension {
	if g == GroupETS && token != "" {
		return ETSExtension{SessionKey: token}
	}
	return nil
}

// Credentials is a resolved login/password pair. Never stored; always
// produced at call time from the environment references.
type Credentials struct {
	Login    string
	Password string
}

// Terminal is a catalog entry. Configuration fields are fixed at
// startup; Session, Health and Stats are mutated by the session manager
// and the reconciliation engine respectively.
type Terminal struct {
	Key    string
	Label  string
	Group  Group
	Active bool

	// BaseURL is the portal root including any fixed context path.
	BaseURL string
	// EnvLogin/EnvPassword name the environment variables holding the
	// portal credentials. The secrets themselves are never persisted.
	EnvLogin    string
	EnvPassword string
	// InsecureTLS relaxes certificate verification for portals with
	// broken chains.
	InsecureTLS bool
	// Endpoints overrides group defaults for individual paths, keyed by
	// the adapter's endpoint name.
	Endpoints map[string]string
	// RequireUSEgress enables the geo-IP precheck some portals enforce.
	RequireUSEgress bool

	// SubTerminals lists physical yards multiplexed behind one login,
	// when the portal works that way.
	SubTerminals []string
}

// Session is the persisted cookie-equivalent state for one terminal.
type Session struct {
	// Cookies is the serialized cookie set for the portal host.
	Cookies []byte
	// Token is the secondary session artifact some protocols mint at
	// login (the ETS `_sk` key).
	Token string

	LastLoginAt   time.Time
	LastCheckedAt time.Time
	Alive         bool
}

// Health records the most recent failure and success for a terminal.
type Health struct {
	LastError     string
	LastErrorAt   time.Time
	LastSuccessAt time.Time
}

// Stats is the aggregated container view recomputed each reconciliation
// cycle.
type Stats struct {
	TotalContainers int
	Statuses        map[string]int
	LastUpdatedAt   time.Time
}

// URL joins a path onto the terminal base URL, tolerating slashes on
// either side.
func (t Terminal) URL(path string) string {
	base := strings.TrimRight(strings.TrimSpace(t.BaseURL), "/")
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return base + "/"
	}
	return base + "/" + path
}

// Endpoint returns the configured override for name, or fallback.
func (t Terminal) Endpoint(name, fallback string) string {
	if p, ok := t.Endpoints[name]; ok && strings.TrimSpace(p) != "" {
		return p
	}
	return fallback
}

// ResolveCredentials reads the referenced environment variables. A
// missing reference or empty value is a configuration/credential error;
// the secret is never cached on the terminal.
func (t Terminal) ResolveCredentials() (Credentials, error) {
	if strings.TrimSpace(t.EnvLogin) == "" || strings.TrimSpace(t.EnvPassword) == "" {
		return Credentials{}, fmt.Errorf("terminal %s: credential references not configured", t.Key)
	}
	login := os.Getenv(t.EnvLogin)
	password := os.Getenv(t.EnvPassword)
	if login == "" || password == "" {
		return Credentials{}, fmt.Errorf("terminal %s: credentials %s/%s not present in environment", t.Key, t.EnvLogin, t.EnvPassword)
	}
	return Credentials{Login: login, Password: password}, nil
}
