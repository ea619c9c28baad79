// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/mattn/go-isatty"
)

// Status glyphs, plain-text when stdout is not a terminal.
func statusGlyph(ok bool) string {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		if ok {
			return "✓"
		}
		return "✗"
	}
	if ok {
		return "OK"
	}
	return "FAIL"
}

// emitJSON writes v as indented JSON. Used by every command under --json
// so scripted callers get a stable machine surface.
func emitJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emitResult prints an OperationResult as text or JSON.
func emitResult(w io.Writer, asJSON bool, res OperationResult) error {
	if asJSON {
		return emitJSON(w, res)
	}
	fmt.Fprintf(w, "%s %s\n", statusGlyph(res.Success), res.Message)
	if res.Diagnostic != "" {
		fmt.Fprintf(w, "  %s\n", res.Diagnostic)
	}
	return nil
}

// emitKeyValues prints a string map sorted by key, KEY=VALUE per line.
func emitKeyValues(w io.Writer, kv map[string]string) {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s=%s\n", k, kv[k])
	}
}
