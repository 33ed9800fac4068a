package proxy

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Params are the user-supplied fields of a proxy.
type Params struct {
	Location string
	Server   string
	Port     int
	Secret   string
}

func (p Params) validate() error {
	switch {
	case strings.TrimSpace(p.Server) == "":
		return fmt.Errorf("%w: server is required", ErrInvalid)
	case p.Port < 1 || p.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, p.Port)
	case strings.TrimSpace(p.Secret) == "":
		return fmt.Errorf("%w: secret is required", ErrInvalid)
	case strings.TrimSpace(p.Location) == "":
		return fmt.Errorf("%w: location is required", ErrInvalid)
	}
	return nil
}

// FormatLink renders the shareable MTProto proxy link.
func FormatLink(p Proxy) string {
	q := url.Values{}
	q.Set("server", p.Server)
	q.Set("port", strconv.Itoa(p.Port))
	q.Set("secret", p.Secret)
	return "https://t.me/proxy?" + encodeOrdered(q, "server", "port", "secret")
}

// encodeOrdered keeps server, port, secret in the conventional order
// (url.Values.Encode sorts keys alphabetically).
func encodeOrdered(q url.Values, keys ...string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(q.Get(k)))
	}
	return strings.Join(parts, "&")
}

// ParseLink extracts connection parameters from a t.me/proxy or tg://proxy
// link. Location is left empty.
func ParseLink(raw string) (Params, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	switch {
	case u.Scheme == "tg" && u.Host == "proxy":
	case (u.Scheme == "https" || u.Scheme == "http") && strings.EqualFold(u.Host, "t.me") && u.Path == "/proxy":
	default:
		return Params{}, ErrInvalidLink
	}
	q := u.Query()
	server, portStr, secret := q.Get("server"), q.Get("port"), q.Get("secret")
	if server == "" || portStr == "" || secret == "" {
		return Params{}, fmt.Errorf("%w: server, port and secret are required", ErrInvalidLink)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Params{}, fmt.Errorf("%w: bad port %q", ErrInvalidLink, portStr)
	}
	return Params{Server: server, Port: port, Secret: secret}, nil
}
