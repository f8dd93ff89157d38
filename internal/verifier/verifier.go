// Package verifier parses profile documents and checks the publisher and
// signature of every attribute.
//
// An attribute is any JSON object carrying a "value" or "signature" member:
//
//	{"value": ..., "metadata": {"last_modified": ...},
//	 "signature": {"publisher": {"alg": "HS256", "typ": "JWS", "name": ..., "value": <jws>}}}
//
// Other objects are treated as groups and walked recursively;
// nested attributes are named with dotted paths. The JWS "value" claim holds
// the attribute value it signs.
package verifier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrPublisherVerification = errors.New("publisher verification failed")
	ErrSignatureVerification = errors.New("signature verification failed")
)

// VerificationError names the attribute and publisher that failed a check.
// It unwraps to ErrPublisherVerification or ErrSignatureVerification.
type VerificationError struct {
	Attribute string
	Publisher string
	Reason    string
	Err       error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%v: attribute %q publisher %q: %s", e.Err, e.Attribute, e.Publisher, e.Reason)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// PublisherRules maps an attribute name to the publishers allowed to assert it.
type PublisherRules map[string][]string

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Verifier holds the publisher keys documents are signed and checked with.
type Verifier struct {
	keys map[string][]byte
	now  func() time.Time
}

type Option func(*Verifier)

// WithClock overrides the time source used for stamped timestamps.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// New builds a Verifier from publisher name to HMAC key.
func New(keys map[string]string, opts ...Option) *Verifier {
	v := &Verifier{keys: make(map[string][]byte, len(keys)), now: time.Now}
	for name, key := range keys {
		v.keys[name] = []byte(key)
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Parse decodes raw into a Profile. The top level must be a JSON object.
func (v *Verifier) Parse(raw []byte) (*Profile, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if doc == nil {
		return nil, errors.New("parse profile: document is null")
	}
	return &Profile{doc: doc, verifier: v}, nil
}

// Profile is a parsed, mutable profile document.
type Profile struct {
	doc      map[string]any
	verifier *Verifier
}

// JSON serialises the document.
func (p *Profile) JSON() ([]byte, error) {
	return json.Marshal(p.doc)
}

// SetValue replaces the value of a top-level attribute, creating it if needed.
func (p *Profile) SetValue(field string, value any) {
	p.attribute(field)["value"] = value
}

// StringValue returns the value of a top-level attribute when it is a string.
func (p *Profile) StringValue(field string) string {
	attr, _ := p.doc[field].(map[string]any)
	v, _ := attr["value"].(string)
	return v
}

// UpdateTimestamp records the current time as the attribute's last_modified
// metadata.
func (p *Profile) UpdateTimestamp(field string) {
	attr := p.attribute(field)
	meta, ok := attr["metadata"].(map[string]any)
	if !ok {
		meta = map[string]any{}
		attr["metadata"] = meta
	}
	meta["last_modified"] = p.Now()
}

// Now is the verifier's clock formatted the way profile timestamps are.
func (p *Profile) Now() string {
	return p.verifier.now().UTC().Format(timestampLayout)
}

// SignAttribute signs the attribute's current value as publisher.
func (p *Profile) SignAttribute(field, publisher string) error {
	key, ok := p.verifier.keys[publisher]
	if !ok {
		return fmt.Errorf("sign %s: no key for publisher %q", field, publisher)
	}
	attr := p.attribute(field)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"value": attr["value"]})
	signed, err := token.SignedString(key)
	if err != nil {
		return fmt.Errorf("sign %s: %w", field, err)
	}
	attr["signature"] = map[string]any{
		"publisher": map[string]any{
			"alg":   jwt.SigningMethodHS256.Alg(),
			"typ":   "JWS",
			"name":  publisher,
			"value": signed,
		},
	}
	return nil
}

// VerifyAllPublishers checks that every signed attribute was published by
// an allowed publisher. Attributes absent from trusted accept any publisher
// with a known key.
func (p *Profile) VerifyAllPublishers(trusted PublisherRules) error {
	for _, a := range p.attributes() {
		name := a.publisherName()
		if name == "" {
			if a.hasValue() {
				return &VerificationError{Attribute: a.path, Reason: "no publisher", Err: ErrPublisherVerification}
			}
			continue
		}
		if allowed, ok := trusted[a.path]; ok {
			if !slices.Contains(allowed, name) {
				return &VerificationError{Attribute: a.path, Publisher: name, Reason: "publisher not allowed", Err: ErrPublisherVerification}
			}
			continue
		}
		if _, known := p.verifier.keys[name]; !known {
			return &VerificationError{Attribute: a.path, Publisher: name, Reason: "unknown publisher", Err: ErrPublisherVerification}
		}
	}
	return nil
}

// VerifyAllSignatures checks every attribute with a value carries a valid
// signature over that value.
func (p *Profile) VerifyAllSignatures() error {
	for _, a := range p.attributes() {
		if !a.hasValue() {
			continue
		}
		name := a.publisherName()
		token := a.publisherToken()
		if name == "" || token == "" {
			return &VerificationError{Attribute: a.path, Publisher: name, Reason: "missing signature", Err: ErrSignatureVerification}
		}
		key, ok := p.verifier.keys[name]
		if !ok {
			return &VerificationError{Attribute: a.path, Publisher: name, Reason: "no key for publisher", Err: ErrSignatureVerification}
		}
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithJSONNumber())
		if err != nil {
			return &VerificationError{Attribute: a.path, Publisher: name, Reason: err.Error(), Err: ErrSignatureVerification}
		}
		if !sameValue(claims["value"], a.fields["value"]) {
			return &VerificationError{Attribute: a.path, Publisher: name, Reason: "signed value does not match", Err: ErrSignatureVerification}
		}
	}
	return nil
}

func (p *Profile) attribute(field string) map[string]any {
	attr, ok := p.doc[field].(map[string]any)
	if !ok {
		attr = map[string]any{}
		p.doc[field] = attr
	}
	return attr
}

type attribute struct {
	path   string
	fields map[string]any
}

func (a attribute) hasValue() bool {
	v, ok := a.fields["value"]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return strings.TrimSpace(s) != ""
	}
	return true
}

func (a attribute) publisher() map[string]any {
	sig, _ := a.fields["signature"].(map[string]any)
	pub, _ := sig["publisher"].(map[string]any)
	return pub
}

func (a attribute) publisherName() string {
	name, _ := a.publisher()["name"].(string)
	return name
}

func (a attribute) publisherToken() string {
	token, _ := a.publisher()["value"].(string)
	return token
}

// attributes walks the document in key order.
func (p *Profile) attributes() []attribute {
	var out []attribute
	var walk func(prefix string, obj map[string]any)
	walk = func(prefix string, obj map[string]any) {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child, ok := obj[k].(map[string]any)
			if !ok {
				continue
			}
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			if isAttribute(child) {
				out = append(out, attribute{path: path, fields: child})
				continue
			}
			walk(path, child)
		}
	}
	walk("", p.doc)
	return out
}

func isAttribute(obj map[string]any) bool {
	_, signed := obj["signature"]
	_, valued := obj["value"]
	return signed || valued
}

// sameValue compares decoded JSON values. Numbers are equal when they denote
// the same rational, so 1, 1.0 and 1e0 match and large integers keep their
// precision.
func sameValue(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, present := bv[k]
			if !present || !sameValue(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !sameValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	if ar, ok := number(a); ok {
		br, ok := number(b)
		return ok && ar.Cmp(br) == 0
	}
	return a == b
}

func number(v any) (*big.Rat, bool) {
	switch n := v.(type) {
	case json.Number:
		return new(big.Rat).SetString(n.String())
	case float64:
		r := new(big.Rat)
		if r.SetFloat64(n) == nil {
			return nil, false
		}
		return r, true
	}
	return nil, false
}
