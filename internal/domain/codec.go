package domain

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	apperrors "gavel.io/gavel/internal/pkg/errors"
)

const envelopeSchemaURL = "https://gavel.io/schemas/envelope.schema.json"

//go:embed schema/envelope.schema.json
var envelopeSchemaJSON string

// jsonAPI is the codec for everything that crosses the broker.
var jsonAPI = sonic.ConfigStd

var (
	schemaOnce     sync.Once
	envelopeSchema *jsonschema.Schema
	errSchema      error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(envelopeSchemaURL, strings.NewReader(envelopeSchemaJSON)); err != nil {
			errSchema = fmt.Errorf("add envelope schema: %w", err)
			return
		}
		envelopeSchema, errSchema = c.Compile(envelopeSchemaURL)
		if errSchema != nil {
			errSchema = fmt.Errorf("compile envelope schema: %w", errSchema)
		}
	})
	return envelopeSchema, errSchema
}

// DecodeEnvelope validates raw against the envelope schema and decodes it.
// Anything that is not a well-formed envelope of a known type fails with a
// validation AppError.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var doc interface{}
	if err := jsonAPI.Unmarshal(raw, &doc); err != nil {
		return Envelope{}, apperrors.ErrMalformedEnvelopef(err)
	}

	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return Envelope{}, err
	}
	if err := schema.Validate(doc); err != nil {
		if obj, ok := doc.(map[string]interface{}); ok {
			if t, ok := obj["type"].(string); ok && !EventType(t).Known() {
				return Envelope{}, unknownEventType(EventType(t))
			}
		}
		return Envelope{}, apperrors.ErrMalformedEnvelopef(err)
	}

	var env Envelope
	if err := jsonAPI.Unmarshal(raw, &env); err != nil {
		return Envelope{}, apperrors.ErrMalformedEnvelopef(err)
	}
	return env, nil
}

// EncodeEnvelope serializes env for the wire.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	raw, err := jsonAPI.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", env.EventID, err)
	}
	return raw, nil
}

// Fingerprint hashes the RFC 8785 canonical form of env. Two envelopes that
// differ only in key order, whitespace or number formatting share a fingerprint.
func Fingerprint(env Envelope) (string, error) {
	raw, err := EncodeEnvelope(env)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope %s: %w", env.EventID, err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
