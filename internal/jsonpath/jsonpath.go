// Package jsonpath adapts tidwall/gjson and tidwall/sjson into the small
// excerpt/injection vocabulary the workflow engine and operation handler
// need: reading a dotted path out of a command payload, writing one back,
// and expanding "${.foo.bar}" placeholders embedded in workflow scripts.
//
// Workflow definitions address payload fields with a leading-dot path
// such as ".payload.operations" or a template placeholder such as
// "${.payload.url}". Both forms share the same path grammar; this package
// normalizes either spelling to the dotted-without-braces form gjson
// expects and otherwise defers entirely to gjson/sjson.
package jsonpath

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var placeholderRe = regexp.MustCompile(`\$\{([^}]*)\}`)

// normalize strips a leading "." and rewrites it into gjson's dotted path
// syntax (gjson has no leading dot and uses "." as separator already, so
// this is just trimming the leading dot thin-edge workflows write).
func normalize(path string) string {
	return strings.TrimPrefix(strings.TrimSpace(path), ".")
}

// Get extracts the value at path from doc. The returned result is the
// zero gjson.Result (Exists() == false) if the path is absent.
func Get(doc string, path string) gjson.Result {
	return gjson.Get(doc, normalize(path))
}

// Exists reports whether path is present in doc.
func Exists(doc string, path string) bool {
	return Get(doc, path).Exists()
}

// Set writes value at path in doc, returning the updated document. path
// uses the same leading-dot grammar as Get.
func Set(doc string, path string, value any) (string, error) {
	return sjson.Set(doc, normalize(path), value)
}

// SetRaw writes a pre-encoded JSON fragment at path in doc.
func SetRaw(doc string, path string, rawJSON string) (string, error) {
	return sjson.SetRaw(doc, normalize(path), rawJSON)
}

// Delete removes path from doc.
func Delete(doc string, path string) (string, error) {
	return sjson.Delete(doc, normalize(path))
}

// InjectTemplate expands every "${<path>}" placeholder in template with
// the corresponding value read out of doc, matching the workflow engine's
// command/arg substitution behaviour. A placeholder whose path is absent
// in doc expands to the empty string.
func InjectTemplate(template string, doc string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		return Get(doc, path).String()
	})
}

// InjectTemplates applies InjectTemplate across a slice, used for script
// argument lists.
func InjectTemplates(templates []string, doc string) []string {
	out := make([]string, len(templates))
	for i, t := range templates {
		out[i] = InjectTemplate(t, doc)
	}
	return out
}

// ExtractArray reads the array at path in doc. It distinguishes a
// missing path from a path whose value is not a JSON array so callers can
// report the two failure modes the workflow engine separates
// (invalid target vs. target not an array).
func ExtractArray(doc string, path string) ([]gjson.Result, error) {
	result := Get(doc, path)
	if !result.Exists() {
		return nil, fmt.Errorf("json path not found: %s", path)
	}
	if !result.IsArray() {
		return nil, fmt.Errorf("json path is not an array: %s", path)
	}
	return result.Array(), nil
}
