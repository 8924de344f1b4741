package tamper

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Signals are the observations about the consuming environment that
// detectors inspect.
type Signals struct {
	// DestinationHost is where the released content is headed, when known.
	DestinationHost string
	// RelayHops lists proxies the request passed through.
	RelayHops []string
	// LocalCopy is set when the client reports a copy or save operation.
	LocalCopy bool
	// Attributes carries free-form client attributes for expression detectors.
	Attributes map[string]string
}

// Detector reports whether its rule is violated.
type Detector interface {
	Violated(ctx context.Context, s Signals) bool
}

// DefaultTransferServices are consumer file transfer, storage and messaging services.
var DefaultTransferServices = []string{
	"google.com", "dropbox.com", "icloud.com", "onedrive.com", "whatsapp.com",
	"telegram.org", "messenger.com", "facebook.com", "twitter.com", "linkedin.com",
	"instagram.com", "signal.org", "wetransfer.com", "discord.com", "slack.com",
	"skype.com", "teams.microsoft.com", "zoom.us",
}

// ExternalUploadDetector flags a destination on a known transfer service or
// any of its subdomains.
type ExternalUploadDetector struct {
	hosts map[string]struct{}
}

func NewExternalUploadDetector(hosts []string) *ExternalUploadDetector {
	d := &ExternalUploadDetector{hosts: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		d.hosts[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	return d
}

func (d *ExternalUploadDetector) Violated(_ context.Context, s Signals) bool {
	host := normalizeHost(s.DestinationHost)
	for host != "" {
		if _, ok := d.hosts[host]; ok {
			return true
		}
		_, rest, found := strings.Cut(host, ".")
		if !found {
			break
		}
		host = rest
	}
	return false
}

// normalizeHost accepts a bare host, host:port or URL.
func normalizeHost(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil {
			s = u.Hostname()
		}
	} else if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	return strings.TrimSuffix(s, ".")
}

// NetworkRelayDetector flags requests that arrived through a proxy.
type NetworkRelayDetector struct{}

func (NetworkRelayDetector) Violated(_ context.Context, s Signals) bool {
	return len(s.RelayHops) > 0
}

// LocalCopyDetector flags a reported local copy.
type LocalCopyDetector struct{}

func (LocalCopyDetector) Violated(_ context.Context, s Signals) bool {
	return s.LocalCopy
}

// Header names read by SignalsFromRequest.
const (
	HeaderDestination = "X-Release-Destination"
	HeaderLocalCopy   = "X-Release-Local-Copy"
	HeaderAttrPrefix  = "X-Release-Attr-"
)

// SignalsFromRequest derives signals from an HTTP release request.
func SignalsFromRequest(r *http.Request) Signals {
	s := Signals{Attributes: map[string]string{}}

	s.DestinationHost = r.Header.Get(HeaderDestination)
	if s.DestinationHost == "" {
		if origin := r.Header.Get("Origin"); origin != "" {
			s.DestinationHost = origin
		}
	}

	for _, v := range r.Header.Values("Via") {
		s.RelayHops = append(s.RelayHops, splitList(v)...)
	}
	for _, v := range r.Header.Values("X-Forwarded-For") {
		s.RelayHops = append(s.RelayHops, splitList(v)...)
	}
	if fwd := r.Header.Get("Forwarded"); fwd != "" {
		s.RelayHops = append(s.RelayHops, fwd)
	}

	switch strings.ToLower(r.Header.Get(HeaderLocalCopy)) {
	case "1", "true", "yes":
		s.LocalCopy = true
	}

	for name, vals := range r.Header {
		if key, ok := strings.CutPrefix(name, HeaderAttrPrefix); ok && len(vals) > 0 {
			s.Attributes[strings.ToLower(key)] = vals[0]
		}
	}
	return s
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
