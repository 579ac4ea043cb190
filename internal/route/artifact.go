package route

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

var (
	legacyMethodRe = regexp.MustCompile(`(?i)method["'\s:=]+(GET|POST|PUT|PATCH|DELETE)`)
	legacyPathRe   = regexp.MustCompile(`(?i)path["'\s:=]+["'](/[^"']*)["']`)
)

// readDescriptor loads and validates a handler artifact.
func readDescriptor(path string) (*Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("artifact %s is empty", path)
	}
	var d Descriptor
	if err := json.Unmarshal(b, &d); err == nil && d.Path != "" && d.Method != "" {
		return &d, nil
	}
	// Best-effort fallback for legacy plain-text artifacts: infer the
	// binding from literal patterns in the content. Misses anything
	// that doesn't match, which is why new artifacts are descriptors.
	return inferLegacy(string(b))
}

func inferLegacy(content string) (*Descriptor, error) {
	mm := legacyMethodRe.FindStringSubmatch(content)
	pm := legacyPathRe.FindStringSubmatch(content)
	if mm == nil || pm == nil {
		return nil, fmt.Errorf("cannot infer binding from artifact content")
	}
	return &Descriptor{
		Method: strings.ToUpper(mm[1]),
		Path:   pm[1],
		Kind:   KindStatic,
		Body:   `{"status":"ok"}`,
	}, nil
}

// defaultDescriptor builds the template artifact for a binding. The
// kind follows the handler ref: "cmd:<id>" artifacts invoke a command,
// health-ish paths report liveness, everything else is static.
func defaultDescriptor(name string, b Binding) Descriptor {
	d := Descriptor{
		Name:        name,
		Path:        b.Path,
		Method:      b.Method,
		Handler:     b.HandlerRef,
		Kind:        KindStatic,
		ContentType: "application/json",
		GeneratedAt: time.Now(),
	}
	switch {
	case strings.HasPrefix(b.HandlerRef, "cmd:"):
		d.Kind = KindCommand
		d.Handler = strings.TrimPrefix(b.HandlerRef, "cmd:")
	case strings.Contains(b.Path, "health"):
		d.Kind = KindHealth
	default:
		d.Body = fmt.Sprintf(`{"route":%q,"status":"ok"}`, name)
	}
	return d
}
