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
	"fmt"
	"regexp"
	"strings"
)

// VirtualAddressMatcher recognizes the forwarding grammar
// ai+<username>@<domain> in recipient headers, case-insensitively.
type VirtualAddressMatcher struct {
	pattern *regexp.Regexp
}

// NewVirtualAddressMatcher builds a matcher for the given mail domain.
func NewVirtualAddressMatcher(domain string) (*VirtualAddressMatcher, error) {
	pattern, err := regexp.Compile(
		`(?i)\bai\+([A-Za-z0-9]+)@` + regexp.QuoteMeta(domain) + `\b`)
	if err != nil {
		return nil, fmt.Errorf("failed to compile virtual address pattern: %w", err)
	}
	return &VirtualAddressMatcher{pattern: pattern}, nil
}

// Match scans recipient header values and returns the first matched
// username, lowercased, or "" when no virtual address is present.
func (m *VirtualAddressMatcher) Match(headers ...string) string {
	for _, h := range headers {
		if groups := m.pattern.FindStringSubmatch(h); groups != nil {
			return strings.ToLower(groups[1])
		}
	}
	return ""
}

// Address renders the virtual address for a username.
func (m *VirtualAddressMatcher) Address(username, domain string) string {
	return fmt.Sprintf("ai+%s@%s", strings.ToLower(username), domain)
}
