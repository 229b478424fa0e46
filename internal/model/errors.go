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

package model

import (
	"errors"
	"fmt"
)

// ErrorKind tags an error with the pipeline's handling policy. Components
// return tagged errors; the pipeline is the single place that decides
// retry vs surface vs swallow.
type ErrorKind string

const (
	// KindTransient: provider 5xx, timeout, rate limit. The row stays
	// pending and the scheduler retries at the next tick.
	KindTransient ErrorKind = "transient"
	// KindFatal: provider 4xx on a well-formed request, missing entity.
	// The row is marked failed and an alert is emitted.
	KindFatal ErrorKind = "fatal"
	// KindAuth: expired or revoked user credentials. The user is
	// suspended; no retry.
	KindAuth ErrorKind = "auth"
	// KindInvariant: the store reported a consistency violation.
	KindInvariant ErrorKind = "invariant"
	// KindModel: classifier or summariser failure.
	KindModel ErrorKind = "model"
)

// TaggedError wraps a cause with an ErrorKind. Match with errors.As or
// the Is* helpers below.
type TaggedError struct {
	Kind ErrorKind
	Err  error
}

func (e *TaggedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TaggedError) Unwrap() error {
	return e.Err
}

// Tag wraps err with the given kind. A nil err returns nil. If err is
// already tagged, the existing tag wins.
func Tag(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var te *TaggedError
	if errors.As(err, &te) {
		return err
	}
	return &TaggedError{Kind: kind, Err: err}
}

// Transientf returns a transient-tagged error from a format string.
func Transientf(format string, args ...any) error {
	return &TaggedError{Kind: KindTransient, Err: fmt.Errorf(format, args...)}
}

// Fatalf returns a fatal-tagged error from a format string.
func Fatalf(format string, args ...any) error {
	return &TaggedError{Kind: KindFatal, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of a tagged error, or KindTransient for
// untagged errors: an unknown failure is safe to retry, never safe to
// drop.
func KindOf(err error) ErrorKind {
	var te *TaggedError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

// IsTransient reports whether err should be retried at the next tick.
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// IsFatal reports whether err is terminal for the item.
func IsFatal(err error) bool { return err != nil && KindOf(err) == KindFatal }

// IsAuth reports whether err means the user's credentials are invalid.
func IsAuth(err error) bool { return err != nil && KindOf(err) == KindAuth }

// IsInvariant reports whether err is a store consistency violation.
func IsInvariant(err error) bool { return err != nil && KindOf(err) == KindInvariant }

// IsModel reports whether err came from a model call.
func IsModel(err error) bool { return err != nil && KindOf(err) == KindModel }
