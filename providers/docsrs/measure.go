package docsrs

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/geeknoid/cargo-rank/providers"
	"github.com/geeknoid/cargo-rank/retry"
)

// MinFormatVersion is the oldest rustdoc JSON format whose item layout
// Measure understands.
const MinFormatVersion = 50

var (
	intraDocLink  = regexp.MustCompile("\\[`([^`\\]]+)`\\]")
	codeBlock     = regexp.MustCompile("```[\\s\\S]*?```")
	linkReference = regexp.MustCompile("\\[`([^`\\]]+)`\\]:\\s*(\\S+)")
)

type rustdocCrate struct {
	Root          json.RawMessage        `json:"root"`
	FormatVersion *int                   `json:"format_version"`
	Index         map[string]rustdocItem `json:"index"`
}

type rustdocItem struct {
	ID         json.RawMessage            `json:"id"`
	Name       *string                    `json:"name"`
	Docs       *string                    `json:"docs"`
	Links      map[string]json.RawMessage `json:"links"`
	Visibility json.RawMessage            `json:"visibility"`
	Inner      map[string]json.RawMessage `json:"inner"`
}

func (i rustdocItem) public() bool {
	var s string
	return json.Unmarshal(i.Visibility, &s) == nil && s == "public"
}

func (i rustdocItem) reexport() bool {
	_, ok := i.Inner["use"]
	return ok
}

// Measure computes documentation metrics from rustdoc JSON. Re-exports are
// skipped since they carry the docs of the item they point at.
func Measure(raw []byte, crateName string) (providers.DocsData, error) {
	var krate rustdocCrate
	if err := json.Unmarshal(raw, &krate); err != nil {
		return providers.DocsData{}, retry.ParseError(fmt.Errorf("rustdoc json for %s: %w", crateName, err))
	}
	if krate.FormatVersion == nil {
		return providers.DocsData{}, retry.Unsupported("rustdoc json for %s has no format_version", crateName)
	}
	if *krate.FormatVersion < MinFormatVersion {
		return providers.DocsData{}, retry.Unsupported("rustdoc json format %d for %s is older than %d", *krate.FormatVersion, crateName, MinFormatVersion)
	}
	if krate.Index == nil {
		return providers.DocsData{}, retry.ParseError(fmt.Errorf("rustdoc json for %s has no index", crateName))
	}

	root := strings.Trim(string(krate.Root), `"`)

	var data providers.DocsData
	var documented int64
	for id, item := range krate.Index {
		if !item.public() || item.reexport() {
			continue
		}
		data.PublicItems++

		if item.Docs == nil || strings.TrimSpace(*item.Docs) == "" {
			continue
		}
		docs := *item.Docs
		documented++
		data.ExamplesInDocs += countExamples(docs)
		data.BrokenLinks += countBrokenLinks(docs, item.Links)

		if item.Name != nil && *item.Name == crateName && id == root {
			data.CrateLevelDocs = true
		}
	}

	data.UndocumentedItems = data.PublicItems - documented
	data.CoveragePercent = 100
	if data.PublicItems > 0 {
		data.CoveragePercent = float64(documented) / float64(data.PublicItems) * 100
	}
	return data, nil
}

// countExamples counts fenced code blocks.
func countExamples(docs string) int64 {
	var fences int64
	for _, line := range strings.Split(docs, "\n") {
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "```") {
			fences++
		}
	}
	return fences / 2
}

// countBrokenLinks counts [`text`] intra-doc links that rustdoc did not
// resolve. Links inside code blocks, inline links, external links and one or
// two character texts are ignored.
func countBrokenLinks(docs string, resolved map[string]json.RawMessage) int64 {
	text := codeBlock.ReplaceAllString(docs, "")

	references := make(map[string]string)
	for _, m := range linkReference.FindAllStringSubmatch(text, -1) {
		references[m[1]] = m[2]
	}

	has := func(k string) bool {
		_, ok := resolved[k]
		return ok
	}
	viaReference := func(k string) bool {
		target, ok := references[k]
		return ok && has(target)
	}

	var broken int64
	for _, loc := range intraDocLink.FindAllStringSubmatchIndex(text, -1) {
		link := text[loc[2]:loc[3]]
		rest := text[loc[1]:]

		if strings.HasPrefix(rest, "(") || strings.Contains(link, "://") || len(link) <= 2 {
			continue
		}

		var inlineTarget string
		if after, ok := strings.CutPrefix(rest, "["); ok {
			if end := strings.IndexByte(after, ']'); end >= 0 {
				inlineTarget = after[:end]
			}
		}

		bare := strings.TrimSuffix(link, "()")
		ok := has(link) || has("`"+link+"`") ||
			has(bare) || has("`"+bare+"`") ||
			(inlineTarget != "" && has(inlineTarget)) ||
			viaReference(link) || viaReference(bare)
		if !ok && strings.Contains(bare, "::") {
			last := bare[strings.LastIndex(bare, "::")+2:]
			ok = has(last) || viaReference(last)
		}
		if !ok {
			broken++
		}
	}
	return broken
}
