package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultJWKSCacheTTL = 5 * time.Minute

	// an unknown kid refetches the key set at most this often
	jwksMinRefresh = 30 * time.Second

	jwksFetchTimeout = 10 * time.Second
)

// JWKSKey is one entry of a JSON Web Key Set. Only RSA signing keys are used.
type JWKSKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type JWKSResponse struct {
	Keys []JWKSKey `json:"keys"`
}

type keySet struct {
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

// JWKSCache holds the verification keys of the identity provider. Lookups
// read an immutable snapshot; refreshes replace it.
type JWKSCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	current atomic.Pointer[keySet]
	refresh sync.Mutex
}

func NewJWKSCache(jwksURL string, ttl time.Duration) *JWKSCache {
	return &JWKSCache{
		url:    jwksURL,
		ttl:    ttl,
		client: &http.Client{Timeout: jwksFetchTimeout},
	}
}

// GetKey returns the key with the given kid. The set is refetched when it
// is older than the TTL, or when kid is unknown and the last fetch is not
// too recent, so rotated keys are picked up without a restart.
func (c *JWKSCache) GetKey(kid string) (*rsa.PublicKey, error) {
	set := c.current.Load()
	if set != nil && time.Since(set.fetched) < c.ttl {
		if key, ok := set.keys[kid]; ok {
			return key, nil
		}
		if time.Since(set.fetched) < jwksMinRefresh {
			return nil, fmt.Errorf("unknown signing key %q", kid)
		}
	}

	set, err := c.reload(set)
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}
	key, ok := set.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

// reload fetches the key set unless another caller replaced seen while
// this one waited.
func (c *JWKSCache) reload(seen *keySet) (*keySet, error) {
	c.refresh.Lock()
	defer c.refresh.Unlock()

	if cur := c.current.Load(); cur != seen {
		return cur, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), jwksFetchTimeout)
	defer cancel()

	var doc JWKSResponse
	if err := getJSON(ctx, c.client, c.url, &doc); err != nil {
		return nil, err
	}

	set := &keySet{keys: make(map[string]*rsa.PublicKey, len(doc.Keys)), fetched: time.Now()}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if pub, err := k.rsaPublicKey(); err == nil {
			set.keys[k.Kid] = pub
		}
	}
	c.current.Store(set)
	return set, nil
}

func (k JWKSKey) rsaPublicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("key %s modulus: %w", k.Kid, err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("key %s exponent: %w", k.Kid, err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 {
		return nil, fmt.Errorf("key %s: bad exponent", k.Kid)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

func jwksKeyFunc(cache *JWKSCache) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return cache.GetKey(kid)
	}
}

// discoverJWKSURL reads jwks_uri from the issuer's OpenID Connect
// discovery document.
func discoverJWKSURL(client *http.Client, issuer string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), jwksFetchTimeout)
	defer cancel()

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	wellKnown := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"
	if err := getJSON(ctx, client, wellKnown, &doc); err != nil {
		return "", fmt.Errorf("OIDC discovery: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("OIDC discovery document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: decoding body: %w", url, err)
	}
	return nil
}
