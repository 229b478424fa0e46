/*
SPDX-FileCopyrightText: Copyright (c) 2026 Tributary AI. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package push

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

const (
	// googleJWKSURL serves the signing keys for push subscription tokens.
	googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	// googleIssuer is the expected token issuer.
	googleIssuer = "https://accounts.google.com"
	// keyRefresh is how long a fetched key set is trusted before refetch.
	keyRefresh = time.Hour
)

// Verifier checks the bearer tokens on authenticated push deliveries:
// RS256 signature against Google's published keys, plus audience and
// issuer claims.
type Verifier struct {
	jwksURL  string
	audience string

	mu        sync.Mutex
	keys      jwk.Set
	fetchedAt time.Time
}

// NewVerifier builds a Verifier expecting the given audience.
func NewVerifier(audience string) *Verifier {
	return &Verifier{jwksURL: googleJWKSURL, audience: audience}
}

// Verify validates an Authorization header value and returns the error
// describing why it was rejected, or nil.
func (v *Verifier) Verify(ctx context.Context, authorization string) error {
	raw, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return fmt.Errorf("missing bearer token")
	}
	payload := []byte(raw)

	// Only RS256 is acceptable; reject before touching the key set so a
	// "none" or HMAC token can never be validated against a public key.
	msg, err := jws.Parse(payload)
	if err != nil {
		return fmt.Errorf("malformed token: %w", err)
	}
	for _, sig := range msg.Signatures() {
		alg, ok := sig.ProtectedHeaders().Algorithm()
		if !ok || alg != jwa.RS256() {
			return fmt.Errorf("unexpected signing algorithm")
		}
	}

	keys, err := v.keySet(ctx)
	if err != nil {
		return fmt.Errorf("failed to load verification keys: %w", err)
	}
	_, err = jwt.Parse(payload,
		jwt.WithKeySet(keys, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithAudience(v.audience),
		jwt.WithIssuer(googleIssuer),
	)
	if err != nil {
		return fmt.Errorf("token rejected: %w", err)
	}
	return nil
}

func (v *Verifier) keySet(ctx context.Context) (jwk.Set, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.keys != nil && time.Since(v.fetchedAt) < keyRefresh {
		return v.keys, nil
	}
	keys, err := jwk.Fetch(ctx, v.jwksURL)
	if err != nil {
		if v.keys != nil {
			// Stale keys beat no keys while the endpoint is flaky.
			return v.keys, nil
		}
		return nil, err
	}
	v.keys = keys
	v.fetchedAt = time.Now()
	return keys, nil
}
