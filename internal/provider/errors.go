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

package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/api/googleapi"

	"github.com/tributary-ai/tributary/internal/model"
	"github.com/tributary-ai/tributary/utils"
)

const (
	// retryAttempts bounds transient retries inside one provider call.
	retryAttempts = 3
	// retryWall bounds the total time spent retrying.
	retryWall = 10 * time.Second
)

// classify maps a provider error onto the pipeline's error taxonomy.
// 401/403 mean the user's grant is gone; 429 and 5xx are retryable;
// remaining 4xx are terminal for the request.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return model.Tag(model.KindAuth, err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return model.Tag(model.KindTransient, err)
		case apiErr.Code >= 400:
			return model.Tag(model.KindFatal, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.Tag(model.KindTransient, err)
	}
	// Network-level failures surface as plain url.Error values.
	return model.Tag(model.KindTransient, err)
}

// breakerFor builds the per-adapter circuit breaker. The breaker counts
// only transient failures; auth and fatal errors pass through without
// tripping it.
func breakerFor(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !model.IsTransient(err)
		},
	})
}

// call runs fn through the breaker with bounded transient retries.
func call[T any](ctx context.Context, breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := utils.CalculateBackoff(attempt, 4*time.Second)
			select {
			case <-ctx.Done():
				return zero, model.Tag(model.KindTransient, ctx.Err())
			case <-time.After(backoff):
			}
		}

		result, err := breaker.Execute(func() (any, error) {
			out, err := fn()
			return out, classify(err)
		})
		if err == nil {
			return result.(T), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, model.Tag(model.KindTransient, fmt.Errorf("provider circuit open: %w", err))
		}
		lastErr = err
		if !model.IsTransient(err) || time.Since(start) > retryWall {
			break
		}
	}
	return zero, lastErr
}
