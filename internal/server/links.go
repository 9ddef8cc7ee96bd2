package server

import (
	"errors"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quickdrop/internal/lifecycle"
)

var (
	errBadTTL       = errors.New("ttl_seconds must be a non-negative integer")
	errBadDownloads = errors.New("max_downloads must be a non-negative integer")
)

// maxTTLSeconds is the largest ttl_seconds that still fits a time.Duration.
// Anything above it is capped here and clamped to the configured maximum by
// the lifecycle manager.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

// linkOptions collects the per-upload knobs. Zero means the server
// default; the lifecycle manager clamps values above its caps.
type linkOptions struct {
	ttlSeconds   int64
	maxDownloads int
}

func (o *linkOptions) set(name, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	switch name {
	case "ttl_seconds":
		n, err := strconv.ParseInt(value, 10, 64)
		if errors.Is(err, strconv.ErrRange) && n > 0 {
			n, err = maxTTLSeconds, nil
		}
		if err != nil || n < 0 {
			return errBadTTL
		}
		o.ttlSeconds = min(n, maxTTLSeconds)
	case "max_downloads":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return errBadDownloads
		}
		o.maxDownloads = n
	}
	return nil
}

func (o linkOptions) lifecycle() lifecycle.Options {
	return lifecycle.Options{
		TTL:           time.Duration(o.ttlSeconds) * time.Second,
		MaxRetrievals: o.maxDownloads,
	}
}

// requestOrigin returns scheme://host as the client addressed us. Forwarded
// headers are only believed behind a trusted proxy.
func requestOrigin(r *http.Request, trustProxy bool) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if trustProxy {
		if p := firstHeaderValue(r.Header.Get("X-Forwarded-Proto")); p == "http" || p == "https" {
			scheme = p
		}
		if h := firstHeaderValue(r.Header.Get("X-Forwarded-Host")); h != "" {
			host = h
		}
	}
	if host == "" {
		host = "localhost"
	}
	return scheme + "://" + host
}

func firstHeaderValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(strings.ToLower(v))
}

// shareOrigin is the origin put into share links and codes. A loopback
// host is swapped for the LAN address so a phone on the same network can
// follow the link.
func (s *Server) shareOrigin(r *http.Request) string {
	if s.baseURL != "" {
		return s.baseURL
	}
	origin := requestOrigin(r, s.trust)
	u, err := url.Parse(origin)
	if err != nil {
		return origin
	}
	if !isLoopbackHost(u.Hostname()) {
		return origin
	}
	ip := s.lanIP()
	if ip == "" || isLoopbackHost(ip) {
		return origin
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(ip, port)
	} else {
		u.Host = ip
	}
	return u.String()
}

func (s *Server) downloadURL(r *http.Request, token string) string {
	return s.shareOrigin(r) + "/download/" + token
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// LocalIP returns the first non-loopback IPv4 address, or "localhost".
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "localhost"
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "localhost"
}
