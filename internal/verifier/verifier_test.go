package verifier

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

func newVerifier() *Verifier {
	return New(map[string]string{"cis": "cis-key", "ldap": "ldap-key"}, WithClock(func() time.Time { return fixedNow }))
}

func signed(t *testing.T, v *Verifier, raw string, publishers map[string]string) *Profile {
	t.Helper()
	p, err := v.Parse([]byte(raw))
	require.NoError(t, err)
	for field, publisher := range publishers {
		require.NoError(t, p.SignAttribute(field, publisher))
	}
	return p
}

const doc = `{
	"user_id": {"value": "ad|alice"},
	"primary_email": {"value": "alice@example.com"},
	"identities": {"github_id": {"value": 12345}},
	"first_name": {"value": null}
}`

func TestStampAndSign(t *testing.T) {
	v := newVerifier()
	p, err := v.Parse([]byte(doc))
	require.NoError(t, err)

	p.SetValue("last_modified", p.Now())
	p.UpdateTimestamp("last_modified")
	require.NoError(t, p.SignAttribute("last_modified", "cis"))

	raw, err := p.JSON()
	require.NoError(t, err)

	var out map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	lm := out["last_modified"]
	assert.Equal(t, "2026-03-01T12:30:00.000Z", lm["value"])
	assert.Equal(t, "2026-03-01T12:30:00.000Z", lm["metadata"].(map[string]any)["last_modified"])

	pub := lm["signature"].(map[string]any)["publisher"].(map[string]any)
	assert.Equal(t, "HS256", pub["alg"])
	assert.Equal(t, "JWS", pub["typ"])
	assert.Equal(t, "cis", pub["name"])

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(pub["value"].(string), claims, func(*jwt.Token) (any, error) { return []byte("cis-key"), nil })
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T12:30:00.000Z", claims["value"])

	assert.Error(t, p.SignAttribute("user_id", "unknown"))
}

func TestVerifyAllSignatures(t *testing.T) {
	v := newVerifier()
	all := map[string]string{"user_id": "ldap", "primary_email": "ldap"}

	t.Run("unsigned values fail", func(t *testing.T) {
		p := signed(t, v, doc, all)
		err := p.VerifyAllSignatures()
		require.ErrorIs(t, err, ErrSignatureVerification)
		var vErr *VerificationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "identities.github_id", vErr.Attribute)
	})

	t.Run("every signed value passes", func(t *testing.T) {
		p := signed(t, v, doc, all)
		nested := &Profile{doc: p.doc["identities"].(map[string]any), verifier: v}
		require.NoError(t, nested.SignAttribute("github_id", "ldap"))
		assert.NoError(t, p.VerifyAllSignatures())
	})

	t.Run("tampered value fails", func(t *testing.T) {
		p := signed(t, v, `{"user_id": {"value": "ad|alice"}}`, map[string]string{"user_id": "ldap"})
		p.SetValue("user_id", "ad|mallory")
		err := p.VerifyAllSignatures()
		require.ErrorIs(t, err, ErrSignatureVerification)
		assert.ErrorContains(t, err, "does not match")
	})

	t.Run("wrong key fails", func(t *testing.T) {
		p := signed(t, v, `{"user_id": {"value": "ad|alice"}}`, map[string]string{"user_id": "ldap"})
		p.attribute("user_id")["signature"].(map[string]any)["publisher"].(map[string]any)["name"] = "cis"
		assert.ErrorIs(t, p.VerifyAllSignatures(), ErrSignatureVerification)
	})
}

func TestVerifyAllSignaturesComparesNumbersExactly(t *testing.T) {
	v := newVerifier()
	document := func(t *testing.T, docValue string, claim any) []byte {
		t.Helper()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"value": claim}).SignedString([]byte("ldap-key"))
		require.NoError(t, err)
		return []byte(`{"score": {"value": ` + docValue + `, "signature": {"publisher": {"name": "ldap", "value": "` + token + `"}}}}`)
	}

	tests := []struct {
		name     string
		docValue string
		claim    any
		wantErr  bool
	}{
		{"integer signed as decimal", "1.0", json.Number("1"), false},
		{"exponent form", "1e2", json.Number("100"), false},
		{"integer beyond float precision", "9007199254740993", json.Number("9007199254740993"), false},
		{"neighbouring large integer", "9007199254740993", json.Number("9007199254740992"), true},
		{"number signed as string", "2", "2", true},
		{"nested numbers", `{"a": [1.50, 2]}`, map[string]any{"a": []any{json.Number("1.5"), json.Number("2.0")}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := v.Parse(document(t, tt.docValue, tt.claim))
			require.NoError(t, err)
			err = p.VerifyAllSignatures()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrSignatureVerification)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestVerifyAllPublishers(t *testing.T) {
	v := newVerifier()
	raw := `{"user_id": {"value": "ad|alice"}, "primary_email": {"value": "alice@example.com"}, "nickname": {"value": ""}}`

	t.Run("rules allow the publisher", func(t *testing.T) {
		p := signed(t, v, raw, map[string]string{"user_id": "ldap", "primary_email": "ldap"})
		assert.NoError(t, p.VerifyAllPublishers(PublisherRules{"user_id": {"ldap"}}))
	})

	t.Run("rules reject the publisher", func(t *testing.T) {
		p := signed(t, v, raw, map[string]string{"user_id": "cis", "primary_email": "ldap"})
		err := p.VerifyAllPublishers(PublisherRules{"user_id": {"ldap"}})
		require.ErrorIs(t, err, ErrPublisherVerification)
		var vErr *VerificationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "user_id", vErr.Attribute)
		assert.Equal(t, "cis", vErr.Publisher)
	})

	t.Run("unsigned value has no publisher", func(t *testing.T) {
		p := signed(t, v, raw, map[string]string{"user_id": "ldap"})
		assert.ErrorIs(t, p.VerifyAllPublishers(nil), ErrPublisherVerification)
	})
}

func TestParseRejectsNonObjects(t *testing.T) {
	v := newVerifier()
	_, err := v.Parse([]byte(`[1,2]`))
	assert.Error(t, err)
	_, err = v.Parse([]byte(`null`))
	assert.Error(t, err)
	_, err = v.Parse([]byte(`{`))
	assert.Error(t, err)
}
