// Package builtin contains the workers every offload worker process registers.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/guseggert/offload/worker"
)

const (
	EchoName          = "builtin.Echo"
	DocumentWordsName = "builtin.DocumentWords"
)

// Register adds the builtin workers to reg.
func Register(reg *worker.Registry) error {
	if err := reg.Register(EchoName, Echo); err != nil {
		return err
	}
	return reg.Register(DocumentWordsName, DocumentWords)
}

// Echo returns its input unchanged.
func Echo(_ context.Context, data json.RawMessage) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// CompletionRequest asks for completions at a cursor position. Line and Column are zero-based;
// Column counts runes.
type CompletionRequest struct {
	Code   string `json:"code"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
	Path   string `json:"path,omitempty"`
}

type Completion struct {
	Name string `json:"name"`
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// DocumentWords completes the word under the cursor from the other words in the document.
// Words shorter than two runes are ignored.
func DocumentWords(ctx context.Context, data json.RawMessage) (any, error) {
	var req CompletionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decoding completion request: %w", err)
	}
	prefix := prefixAt(req.Code, req.Line, req.Column)

	seen := map[string]bool{}
	for _, w := range strings.FieldsFunc(req.Code, func(r rune) bool { return !isWordRune(r) }) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len([]rune(w)) < 2 || w == prefix || !strings.HasPrefix(w, prefix) {
			continue
		}
		seen[w] = true
	}

	words := make([]string, 0, len(seen))
	for w := range seen {
		words = append(words, w)
	}
	sort.Strings(words)

	completions := make([]Completion, len(words))
	for i, w := range words {
		completions[i] = Completion{Name: w}
	}
	return completions, nil
}

// prefixAt returns the word characters immediately left of the cursor.
func prefixAt(code string, line, column int) string {
	lines := strings.Split(code, "\n")
	if line < 0 || line >= len(lines) {
		return ""
	}
	runes := []rune(lines[line])
	if column > len(runes) {
		column = len(runes)
	}
	start := column
	for start > 0 && isWordRune(runes[start-1]) {
		start--
	}
	if start >= column {
		return ""
	}
	return string(runes[start:column])
}
