package api

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DefaultOrigin is allowed when neither public origins nor a usable listen
// address are configured.
const DefaultOrigin = "http://localhost:8080"

// AllowedOrigins returns the CORS origins for the control surface. Public
// origins, separated by commas or whitespace, win; otherwise the listen
// address is expanded to its localhost forms.
func AllowedOrigins(listenAddr, publicOrigins string) []string {
	var origins []string
	seen := make(map[string]struct{})
	add := func(origin string) {
		if origin == "" {
			return
		}
		if _, ok := seen[origin]; ok {
			return
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}

	for _, part := range strings.FieldsFunc(publicOrigins, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	}) {
		add(normalizeOrigin(part))
	}
	if len(origins) > 0 {
		return origins
	}

	add(DefaultOrigin)
	for _, origin := range listenOrigins(listenAddr) {
		add(origin)
	}
	return origins
}

func normalizeOrigin(origin string) string {
	parsed, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s", strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host))
}

func listenOrigins(listenAddr string) []string {
	addr := strings.TrimSpace(listenAddr)
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return nil
	}

	hosts := []string{"localhost", "127.0.0.1"}
	if host != "" && host != "0.0.0.0" && host != "::" && host != "127.0.0.1" && host != "localhost" {
		hosts = append(hosts, host)
	}
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, "http://"+net.JoinHostPort(h, port))
	}
	return out
}
