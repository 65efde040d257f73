package oauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Credentials is one consumer/token pair. Instances are immutable;
// rotation swaps the whole struct.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
	Token          string
	TokenSecret    string
}

// Signer builds OAuth 1.0a HMAC-SHA1 Authorization headers.
// Nonce and clock sources are injectable for deterministic tests.
type Signer struct {
	nonceFunc func() string
	nowFunc   func() time.Time
}

// NewSigner creates a signer with cryptographic nonces and wall-clock time.
func NewSigner() *Signer {
	return &Signer{
		nonceFunc: randomNonce,
		nowFunc:   time.Now,
	}
}

func randomNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process cannot do anything safely.
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

// Sign produces the Authorization header value for a request.
// queryParams and bodyParams participate in the signature base string
// alongside the oauth_* protocol parameters.
func (s *Signer) Sign(creds Credentials, method, rawURL string, queryParams, bodyParams url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid request URL: %w", err)
	}

	oauthParams := url.Values{}
	oauthParams.Set("oauth_consumer_key", creds.ConsumerKey)
	oauthParams.Set("oauth_nonce", s.nonceFunc())
	oauthParams.Set("oauth_signature_method", "HMAC-SHA1")
	oauthParams.Set("oauth_timestamp", strconv.FormatInt(s.nowFunc().Unix(), 10))
	oauthParams.Set("oauth_version", "1.0")
	if creds.Token != "" {
		oauthParams.Set("oauth_token", creds.Token)
	}

	base := signatureBaseString(method, u, oauthParams, queryParams, bodyParams)
	key := percentEncode(creds.ConsumerSecret) + "&" + percentEncode(creds.TokenSecret)

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	oauthParams.Set("oauth_signature", signature)

	return authorizationHeader(oauthParams), nil
}

// signatureBaseString builds METHOD&enc(baseURL)&enc(sorted-params) per
// RFC 5849 section 3.4.1.
func signatureBaseString(method string, u *url.URL, paramSets ...url.Values) string {
	baseURL := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.Path

	type pair struct{ k, v string }
	var pairs []pair
	for _, set := range paramSets {
		for k, vs := range set {
			for _, v := range vs {
				pairs = append(pairs, pair{percentEncode(k), percentEncode(v)})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	paramString := strings.Join(parts, "&")

	return strings.ToUpper(method) + "&" + percentEncode(baseURL) + "&" + percentEncode(paramString)
}

// authorizationHeader renders the oauth_* parameters into a header value.
func authorizationHeader(oauthParams url.Values) string {
	keys := make([]string, 0, len(oauthParams))
	for k := range oauthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", percentEncode(k), percentEncode(oauthParams.Get(k)))
	}
	return "OAuth " + strings.Join(parts, ", ")
}

// percentEncode implements the strict RFC 3986 encoding OAuth requires.
// url.QueryEscape is not usable here: it encodes space as '+'.
func percentEncode(s string) string {
	var b strings.Builder
	for _, c := range []byte(s) {
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
