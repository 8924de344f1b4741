package container

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const metadataSchemaURL = "https://foxiles.schemas.local/container/metadata.schema.json"

// metadataSchema is the shape every decoded metadata block must satisfy before it
// is bound to Metadata. Unknown fields are tolerated for forward-compatible minor
// versions; required fields are not negotiable.
const metadataSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "formatVersion",
    "ownerIdentity",
    "trackingId",
    "drmRules",
    "originalFingerprint",
    "initializationVector",
    "contentKind",
    "encryptionKeyRef"
  ],
  "properties": {
    "formatVersion": {"type": "string", "minLength": 1},
    "ownerIdentity": {"type": "string", "minLength": 1},
    "trackingId": {
      "type": "string",
      "pattern": "^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"
    },
    "drmRules": {
      "type": "object",
      "required": ["blockExternalUpload", "blockLocalCopy", "blockNetworkRelay"],
      "properties": {
        "blockExternalUpload": {"type": "boolean"},
        "blockLocalCopy": {"type": "boolean"},
        "blockNetworkRelay": {"type": "boolean"}
      }
    },
    "originalFingerprint": {"type": "string"},
    "initializationVector": {"type": "string", "pattern": "^[A-Za-z0-9+/]{22}==$"},
    "contentKind": {"type": "string", "minLength": 1},
    "encryptionKeyRef": {"type": "string", "minLength": 1},
    "createdAt": {"type": "integer", "minimum": 0}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(metadataSchemaURL, strings.NewReader(metadataSchema)); err != nil {
		panic(fmt.Sprintf("container: metadata schema load failed: %v", err))
	}
	s, err := c.Compile(metadataSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("container: metadata schema compile failed: %v", err))
	}
	return s
}

// parseMetadata turns a raw metadata block into Metadata. Bytes that are not a
// single JSON value are a FormatError; JSON of the wrong shape is a
// MetadataSchemaError.
func parseMetadata(raw []byte) (Metadata, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var generic any
	if err := dec.Decode(&generic); err != nil {
		return Metadata{}, &FormatError{Reason: "metadata is not valid JSON", Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Metadata{}, &FormatError{Reason: "trailing bytes after metadata JSON"}
	}

	if err := compiledSchema.Validate(generic); err != nil {
		return Metadata{}, &MetadataSchemaError{Field: schemaField(err), Err: err}
	}

	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, &MetadataSchemaError{Err: err}
	}
	if err := m.Validate(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// schemaField extracts the most specific instance location from a validation error.
func schemaField(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return ""
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	return strings.TrimPrefix(verr.InstanceLocation, "/")
}
