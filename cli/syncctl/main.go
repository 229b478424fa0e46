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

// syncctl drives syncd's admin surface.
//
// Usage:
//
//	syncctl [flags] poll <user> <source>
//	syncctl [flags] renew-watch <user> <source>
//	syncctl [flags] reset-cursor <user> <source>
//	syncctl [flags] suspend <user>
//	syncctl [flags] resume <user>
//	syncctl [flags] search <user> <query...>
//
// Exit codes: 0 success, 2 not found, 3 provider rejection, 4 state
// corruption, 1 anything else.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tributary-ai/tributary/utils"
)

const (
	exitOK         = 0
	exitGeneral    = 1
	exitNotFound   = 2
	exitProvider   = 3
	exitCorruption = 4
)

var (
	addr = flag.String("addr",
		utils.GetEnv("TRIBUTARY_SYNCD_ADDR", "http://localhost:8080"),
		"Base URL of the syncd admin API")
	timeout = flag.Duration("timeout", 60*time.Second, "Request timeout")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		"usage: %s [flags] <poll|renew-watch|reset-cursor|suspend|resume|search> <user> [source|query...]\n",
		os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	os.Exit(run(flag.Args()))
}

func run(args []string) int {
	if len(args) < 2 {
		usage()
		return exitGeneral
	}
	verb, user := args[0], args[1]

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch verb {
	case "poll", "renew-watch", "reset-cursor":
		if len(args) != 3 {
			fmt.Fprintf(os.Stderr, "%s requires <user> <source>\n", verb)
			return exitGeneral
		}
		q := url.Values{"user": {user}, "source": {args[2]}}
		return post(ctx, "/admin/"+verb, q)
	case "suspend", "resume":
		if len(args) != 2 {
			fmt.Fprintf(os.Stderr, "%s requires <user>\n", verb)
			return exitGeneral
		}
		return post(ctx, "/admin/"+verb, url.Values{"user": {user}})
	case "search":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "search requires <user> <query...>")
			return exitGeneral
		}
		return search(ctx, user, strings.Join(args[2:], " "))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		usage()
		return exitGeneral
	}
}

// post issues one admin request and prints the response body.
func post(ctx context.Context, path string, q url.Values) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		*addr+path+"?"+q.Encode(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitGeneral
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitGeneral
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	code := exitCode(resp.StatusCode)
	if code != exitOK {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", resp.Status, strings.TrimSpace(string(body)))
		return code
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return exitOK
}

// search queries the retrieval API and prints one line per hit.
func search(ctx context.Context, user, query string) int {
	q := url.Values{"user": {user}, "q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		*addr+"/api/search?"+q.Encode(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitGeneral
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitGeneral
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if code := exitCode(resp.StatusCode); code != exitOK {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", resp.Status, strings.TrimSpace(string(body)))
		return code
	}

	var payload struct {
		Results []struct {
			ID      string  `json:"id"`
			Source  string  `json:"source"`
			Score   float64 `json:"score"`
			Content string  `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		fmt.Fprintf(os.Stderr, "error: malformed response: %v\n", err)
		return exitGeneral
	}
	for _, r := range payload.Results {
		line := r.Content
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		fmt.Printf("%.3f  %-8s  %s  %s\n", r.Score, r.Source, r.ID, line)
	}
	return exitOK
}

// exitCode maps admin HTTP statuses to the documented exit codes.
func exitCode(status int) int {
	switch {
	case status >= 200 && status < 300:
		return exitOK
	case status == http.StatusNotFound:
		return exitNotFound
	case status == http.StatusBadGateway:
		return exitProvider
	case status == http.StatusConflict:
		return exitCorruption
	default:
		return exitGeneral
	}
}
