package detect

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

const sourceSecret = "secret"

var (
	awsAccessKeyIDRegexp  = regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`)
	awsSecretKeyRegexp    = regexp.MustCompile(`\b[A-Za-z0-9/+=]{40}\b`)
	awsSessionTokenRegexp = regexp.MustCompile(`\b(?:AQoDYXdz|IQoJb3JpZ2luX2Vj)[A-Za-z0-9/+=]{20,}\b`)

	gcpAPIKeyRegexp        = regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35,40}\b`)
	gcpServiceAccountRegex = regexp.MustCompile(`(?s)\{.*?"type"\s*:\s*"service_account".*?"private_key"\s*:\s*".*?BEGIN PRIVATE KEY.*?END PRIVATE KEY.*?".*?"client_email"\s*:\s*".+?".*?\}`)

	azureConnectionStringRegexp = regexp.MustCompile(`(?i)\bDefaultEndpointsProtocol=https;AccountName=[^;\s]+;AccountKey=[^;\s]+;EndpointSuffix=[^;\s]+\b`)

	privateKeyRegexp = regexp.MustCompile(`(?s)-----BEGIN (?:RSA |DSA |EC |OPENSSH )?PRIVATE KEY-----.*?-----END (?:RSA |DSA |EC |OPENSSH )?PRIVATE KEY-----`)
	databaseURLRegexp = regexp.MustCompile(`\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis)://[^\s"']+`)

	jwtRegexp         = regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`)
	apiKeyRegexp      = regexp.MustCompile(`\b(?:sk|pk|rk|ghp|gho|xox[abpr])[-_][A-Za-z0-9_\-]{16,}\b`)
	highEntropyRegexp = regexp.MustCompile(`\b[A-Za-z0-9+/=_\-]{32,}\b`)
)

// SecretDetector finds credentials: cloud keys, private keys, connection
// strings, tokens and high-entropy strings.
type SecretDetector struct {
	// MinEntropy is the Shannon entropy threshold for HIGH_ENTROPY matches.
	MinEntropy float64
}

// NewSecretDetector returns a detector with the default entropy threshold.
func NewSecretDetector() *SecretDetector {
	return &SecretDetector{MinEntropy: 4.5}
}

func (d *SecretDetector) Detect(_ context.Context, text string) ([]Entity, error) {
	var out []Entity
	out = append(out, findSimple(text, awsAccessKeyIDRegexp, "AWS_ACCESS_KEY", 0.99)...)
	out = append(out, findFiltered(text, awsSecretKeyRegexp, "AWS_SECRET_KEY", 0.88, func(s string) bool {
		return ShannonEntropy(s) >= 4.0 && hasAlphaNum(s)
	})...)
	out = append(out, findSimple(text, awsSessionTokenRegexp, "AWS_SESSION_TOKEN", 0.9)...)
	out = append(out, findSimple(text, gcpAPIKeyRegexp, "GCP_API_KEY", 0.97)...)
	out = append(out, findFiltered(text, gcpServiceAccountRegex, "GCP_SERVICE_ACCOUNT", 1.0, looksLikeServiceAccountJSON)...)
	out = append(out, findSimple(text, azureConnectionStringRegexp, "AZURE_CONNECTION_STRING", 0.98)...)
	out = append(out, findSimple(text, privateKeyRegexp, "PRIVATE_KEY", 1.0)...)
	out = append(out, findFiltered(text, databaseURLRegexp, "DB_URL", 0.94, func(s string) bool {
		return strings.Contains(s, "@") && strings.Count(s, ":") >= 2
	})...)
	out = append(out, findFiltered(text, jwtRegexp, "JWT", 0.9, looksLikeJWT)...)
	out = append(out, findSimple(text, apiKeyRegexp, "API_KEY", 0.85)...)
	out = append(out, findFiltered(text, highEntropyRegexp, "HIGH_ENTROPY", 0.7, func(s string) bool {
		return ShannonEntropy(s) >= d.MinEntropy
	})...)
	return out, nil
}

func findSimple(text string, re *regexp.Regexp, typ string, score float64) []Entity {
	return findFiltered(text, re, typ, score, nil)
}

func findFiltered(text string, re *regexp.Regexp, typ string, score float64, keep func(string) bool) []Entity {
	idxs := re.FindAllStringIndex(text, -1)
	out := make([]Entity, 0, len(idxs))
	for _, idx := range idxs {
		if keep != nil && !keep(text[idx[0]:idx[1]]) {
			continue
		}
		out = append(out, newEntity(text, typ, idx[0], idx[1], score, sourceSecret))
	}
	return out
}

func looksLikeServiceAccountJSON(s string) bool {
	var payload map[string]any
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return false
	}
	return strings.EqualFold(toString(payload["type"]), "service_account") &&
		strings.Contains(toString(payload["private_key"]), "BEGIN PRIVATE KEY") &&
		toString(payload["client_email"]) != ""
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func hasAlphaNum(s string) bool {
	hasDigit, hasLetter := false, false
	for _, r := range s {
		if unicode.IsDigit(r) {
			hasDigit = true
		}
		if unicode.IsLetter(r) {
			hasLetter = true
		}
	}
	return hasDigit && hasLetter
}

// looksLikeJWT checks that header and payload decode as base64url JSON.
func looksLikeJWT(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts[:2] {
		raw, err := base64.RawURLEncoding.DecodeString(p)
		if err != nil || !json.Valid(raw) {
			return false
		}
	}
	return parts[2] != ""
}
