package tamper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/Mindburn-Labs/foxiles/pkg/container"
)

// FingerprintSource captures the identity of the consuming environment.
type FingerprintSource interface {
	Capture(ctx context.Context) (container.Fingerprint, error)
}

// Static always returns the same fingerprint.
type Static container.Fingerprint

func (s Static) Capture(context.Context) (container.Fingerprint, error) {
	return container.Fingerprint(s), nil
}

// HostFingerprint identifies the local machine from its host ID, hostname,
// platform and architecture. Used by the CLI.
type HostFingerprint struct{}

func (HostFingerprint) Capture(ctx context.Context) (container.Fingerprint, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("tamper: host info: %w", err)
	}
	return digest(info.HostID, info.Hostname, info.Platform, info.PlatformVersion, info.KernelArch), nil
}

// HeaderFingerprint is the header a client sends its environment fingerprint in.
const HeaderFingerprint = "X-Client-Fingerprint"

var ErrNoFingerprint = errors.New("tamper: no client fingerprint")

// RequestFingerprint reads the client-declared fingerprint from an HTTP request.
type RequestFingerprint struct {
	Header http.Header
}

func (r RequestFingerprint) Capture(context.Context) (container.Fingerprint, error) {
	v := strings.TrimSpace(r.Header.Get(HeaderFingerprint))
	if v == "" {
		return "", ErrNoFingerprint
	}
	return container.Fingerprint(v), nil
}

func digest(parts ...string) container.Fingerprint {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return container.Fingerprint("host:" + hex.EncodeToString(h.Sum(nil))[:32])
}
