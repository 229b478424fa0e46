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
	"testing"
)

func TestTagPreservesExistingKind(t *testing.T) {
	t.Parallel()
	err := Tag(KindAuth, errors.New("token revoked"))
	wrapped := fmt.Errorf("failed to poll mail: %w", err)
	retagged := Tag(KindTransient, wrapped)

	if KindOf(retagged) != KindAuth {
		t.Errorf("KindOf = %v, want %v", KindOf(retagged), KindAuth)
	}
	if !IsAuth(retagged) {
		t.Error("IsAuth = false after re-tagging")
	}
}

func TestTagNil(t *testing.T) {
	t.Parallel()
	if Tag(KindFatal, nil) != nil {
		t.Error("Tag(nil) must return nil")
	}
}

func TestKindOfUntaggedIsTransient(t *testing.T) {
	t.Parallel()
	err := errors.New("connection reset")
	if KindOf(err) != KindTransient {
		t.Errorf("KindOf(untagged) = %v, want %v", KindOf(err), KindTransient)
	}
	if !IsTransient(err) {
		t.Error("IsTransient(untagged) = false")
	}
}

func TestIsHelpersOnNil(t *testing.T) {
	t.Parallel()
	if IsTransient(nil) || IsFatal(nil) || IsAuth(nil) || IsInvariant(nil) || IsModel(nil) {
		t.Error("Is* helpers must be false for nil")
	}
}

func TestTaggedErrorUnwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("row not found")
	err := Tag(KindFatal, cause)
	if !errors.Is(err, cause) {
		t.Error("tagged error does not unwrap to its cause")
	}
	var te *TaggedError
	if !errors.As(err, &te) || te.Kind != KindFatal {
		t.Errorf("errors.As failed or wrong kind: %+v", te)
	}
}

func TestFormatHelpers(t *testing.T) {
	t.Parallel()
	if KindOf(Transientf("rate limited after %d tries", 3)) != KindTransient {
		t.Error("Transientf did not tag transient")
	}
	err := Fatalf("item %s gone", "abc")
	if !IsFatal(err) {
		t.Error("Fatalf did not tag fatal")
	}
	if got := err.Error(); got != "fatal: item abc gone" {
		t.Errorf("Error() = %q", got)
	}
}
