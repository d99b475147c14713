package payload

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

const (
	SchemeFile     = "file"
	SchemeBytes    = "bytes"
	SchemeContent  = "uri"
	SchemeResource = "resource"

	separator = "://"
)

type decoder func(body string) (Payload, error)

var decoders = map[string]decoder{
	SchemeFile: func(body string) (Payload, error) {
		s, err := url.PathUnescape(body)
		if err != nil {
			return nil, err
		}
		return File{Path: s}, nil
	},
	SchemeBytes: func(body string) (Payload, error) {
		b, err := base64.RawURLEncoding.DecodeString(body)
		if err != nil {
			return nil, err
		}
		return Bytes{Data: b}, nil
	},
	SchemeContent: func(body string) (Payload, error) {
		s, err := url.PathUnescape(body)
		if err != nil {
			return nil, err
		}
		return Content{URI: s}, nil
	},
	SchemeResource: func(body string) (Payload, error) {
		s, err := url.PathUnescape(body)
		if err != nil {
			return nil, err
		}
		return Resource{ID: s}, nil
	},
}

// ToURI serializes p into its compact URI form.
func ToURI(p Payload) string {
	return p.Scheme() + separator + p.body()
}

// FromURI parses a compact URI produced by ToURI.
func FromURI(s string) (Payload, error) {
	scheme, body, ok := strings.Cut(s, separator)
	if !ok || scheme == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURI, s)
	}
	dec, ok := decoders[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, scheme)
	}
	p, err := dec(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidURI, s, err)
	}
	return p, nil
}

// Equal reports value equality. A nil and an empty Bytes payload are equal.
func Equal(a, b Payload) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ab, aok := a.(Bytes)
	bb, bok := b.(Bytes)
	if aok && bok {
		return bytes.Equal(ab.Data, bb.Data)
	}
	return ToURI(a) == ToURI(b)
}

// Key is a value-based hash key for p.
func Key(p Payload) string {
	if p == nil {
		return ""
	}
	return ToURI(p)
}

func escape(s string) string {
	return url.PathEscape(s)
}

func encodeBytes(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
