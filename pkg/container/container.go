// Package container implements the Foxiles container framing format.
//
// A container couples an encrypted payload with the metadata needed to decrypt
// and later audit it:
//
//	[0..4)                 metadataLength : u32, big-endian
//	[4..4+metadataLength)  metadata       : UTF-8 JSON (RFC 8785 canonical form)
//	[4+metadataLength..)   payload        : raw bytes
//
// Encode and Decode are pure functions. Integrity of the payload is the caller's
// responsibility; the format carries no checksum and no compression.
package container

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// FormatVersion is the metadata version written by this package.
const FormatVersion = "1.0.0"

// IVSize is the length of the cipher initialization vector carried in metadata.
const IVSize = 16

// lengthPrefixSize is the size of the big-endian metadata length header.
const lengthPrefixSize = 4

// supportedVersions is the range of metadata versions Decode accepts.
var supportedVersions = mustConstraint("^1.0.0")

// Content kinds understood by the watermark stage. Anything else is passed through.
const (
	KindImage = "image"
	KindVideo = "video"
	KindOther = "other"
)

// RuleSet holds the DRM flags attached at encryption time and evaluated at release.
type RuleSet struct {
	BlockExternalUpload bool `json:"blockExternalUpload"`
	BlockLocalCopy      bool `json:"blockLocalCopy"`
	BlockNetworkRelay   bool `json:"blockNetworkRelay"`
}

// DefaultRules mirrors the rules every upload received before rule selection existed.
func DefaultRules() RuleSet {
	return RuleSet{BlockExternalUpload: true, BlockLocalCopy: true, BlockNetworkRelay: true}
}

// Any reports whether at least one rule is active.
func (r RuleSet) Any() bool {
	return r.BlockExternalUpload || r.BlockLocalCopy || r.BlockNetworkRelay
}

// Fingerprint is an opaque, comparable identity of a consuming environment.
// It is only ever compared for equality.
type Fingerprint string

// Metadata is the release metadata framed in front of every payload.
type Metadata struct {
	FormatVersion        string      `json:"formatVersion"`
	OwnerIdentity        string      `json:"ownerIdentity"`
	TrackingID           uuid.UUID   `json:"trackingId"`
	DRMRules             RuleSet     `json:"drmRules"`
	OriginalFingerprint  Fingerprint `json:"originalFingerprint"`
	InitializationVector []byte      `json:"initializationVector"`
	ContentKind          string      `json:"contentKind"`
	EncryptionKeyRef     string      `json:"encryptionKeyRef"`
	CreatedAt            int64       `json:"createdAt"`
}

// NewMetadata returns metadata for a fresh container with a new tracking ID.
func NewMetadata(owner, contentKind string, rules RuleSet, fp Fingerprint, iv []byte, createdAt int64) Metadata {
	id := uuid.New()
	return Metadata{
		FormatVersion:        FormatVersion,
		OwnerIdentity:        NormalizeIdentity(owner),
		TrackingID:           id,
		DRMRules:             rules,
		OriginalFingerprint:  fp,
		InitializationVector: append([]byte(nil), iv...),
		ContentKind:          NormalizeKind(contentKind),
		EncryptionKeyRef:     KeyRef(id),
		CreatedAt:            createdAt,
	}
}

// Successor returns a copy of m under a new tracking ID. Containers are never
// mutated in place; any update produces a successor container.
func (m Metadata) Successor() Metadata {
	next := m
	next.TrackingID = uuid.New()
	next.EncryptionKeyRef = KeyRef(next.TrackingID)
	next.InitializationVector = append([]byte(nil), m.InitializationVector...)
	return next
}

// KeyRef is the custody pointer stored in metadata for a tracking ID.
func KeyRef(trackingID uuid.UUID) string {
	return "custody:" + trackingID.String()
}

// ParseKeyRef extracts the tracking ID from a custody pointer.
func ParseKeyRef(ref string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(ref, "custody:")
	if !ok {
		return uuid.Nil, fmt.Errorf("container: unsupported key reference %q", ref)
	}
	return uuid.Parse(rest)
}

// NormalizeIdentity returns the NFC form of an identity string with surrounding
// whitespace removed, so that the same wallet address always serializes identically.
func NormalizeIdentity(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// NormalizeKind maps a MIME type ("image/png") or bare kind to the kind
// stored in metadata.
func NormalizeKind(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	// Accept MIME types ("image/png") as well as bare kinds.
	if major, _, ok := strings.Cut(kind, "/"); ok {
		kind = major
	}
	return kind
}

// Validate checks the invariants Decode enforces, so that Encode never produces a
// container Decode would reject.
func (m Metadata) Validate() error {
	switch {
	case m.OwnerIdentity == "":
		return schemaErr("ownerIdentity", "must not be empty")
	case m.TrackingID == uuid.Nil:
		return schemaErr("trackingId", "must be set")
	case len(m.InitializationVector) != IVSize:
		return schemaErr("initializationVector", fmt.Sprintf("must be %d bytes, got %d", IVSize, len(m.InitializationVector)))
	case m.ContentKind == "":
		return schemaErr("contentKind", "must not be empty")
	case m.EncryptionKeyRef == "":
		return schemaErr("encryptionKeyRef", "must not be empty")
	}

	v, err := semver.NewVersion(m.FormatVersion)
	if err != nil {
		return schemaErr("formatVersion", err.Error())
	}
	if !supportedVersions.Check(v) {
		return schemaErr("formatVersion", fmt.Sprintf("unsupported version %s", v))
	}
	return nil
}

// MarshalMetadata returns the canonical byte encoding of m.
func MarshalMetadata(m Metadata) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("container: marshal metadata: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("container: canonicalize metadata: %w", err)
	}
	return canonical, nil
}

// Encode frames metadata and payload into container bytes.
func Encode(m Metadata, payload []byte) ([]byte, error) {
	meta, err := MarshalMetadata(m)
	if err != nil {
		return nil, err
	}
	if uint64(len(meta)) > math.MaxUint32 {
		return nil, &FormatError{Reason: "metadata exceeds u32 length"}
	}

	out := make([]byte, lengthPrefixSize+len(meta)+len(payload))
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(len(meta)))
	copy(out[lengthPrefixSize:], meta)
	copy(out[lengthPrefixSize+len(meta):], payload)
	return out, nil
}

// Decode splits container bytes into metadata and payload. The returned payload
// aliases data.
func Decode(data []byte) (Metadata, []byte, error) {
	if len(data) < lengthPrefixSize {
		return Metadata{}, nil, &FormatError{Reason: fmt.Sprintf("container is %d bytes, shorter than the length prefix", len(data))}
	}

	n := uint64(binary.BigEndian.Uint32(data[:lengthPrefixSize]))
	if n == 0 {
		return Metadata{}, nil, &FormatError{Reason: "metadata length is zero"}
	}
	if n > uint64(len(data)-lengthPrefixSize) {
		return Metadata{}, nil, &FormatError{Reason: fmt.Sprintf("metadata length %d exceeds remaining %d bytes", n, len(data)-lengthPrefixSize)}
	}

	end := lengthPrefixSize + int(n)
	m, err := parseMetadata(data[lengthPrefixSize:end])
	if err != nil {
		return Metadata{}, nil, err
	}
	return m, data[end:], nil
}

// DecodeMetadata decodes only the metadata block of a container.
func DecodeMetadata(data []byte) (Metadata, error) {
	m, _, err := Decode(data)
	return m, err
}

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}
