// Package redact replaces resolved entities in text with placeholders.
package redact

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"secureflow/internal/detect"
)

// Style selects the placeholder format.
type Style string

const (
	// StyleType replaces every entity with [TYPE].
	StyleType Style = "type"
	// StyleNumbered replaces entities with [TYPE_N]; equal values share N.
	StyleNumbered Style = "numbered"
	// StyleMask keeps a recognizable hint (email prefix, card last four).
	StyleMask Style = "mask"
)

// ParseStyle validates a style name. Empty means StyleType.
func ParseStyle(s string) (Style, error) {
	switch Style(strings.ToLower(strings.TrimSpace(s))) {
	case "", StyleType:
		return StyleType, nil
	case StyleNumbered:
		return StyleNumbered, nil
	case StyleMask:
		return StyleMask, nil
	}
	return "", fmt.Errorf("unknown redaction style %q", s)
}

// Item records one distinct replacement.
type Item struct {
	Type        string `json:"type"`
	Original    string `json:"original"`
	Placeholder string `json:"placeholder"`
}

// Redactor rewrites text from an already resolved entity list.
type Redactor struct {
	style           Style
	maxReplacements int
}

// New returns a redactor for style.
func New(style Style) *Redactor {
	return &Redactor{style: style}
}

// WithMaxReplacements caps replacements per call; 0 means unlimited.
func (r *Redactor) WithMaxReplacements(v int) *Redactor {
	r.maxReplacements = v
	return r
}

// Style returns the configured placeholder style.
func (r *Redactor) Style() Style { return r.style }

// Redact replaces the entities whose type passes allow (nil allows all).
// Entities must be non-overlapping and ordered by Start, as returned by
// detect.Resolve. Items are sorted by placeholder.
func (r *Redactor) Redact(text string, entities []detect.Entity, allow func(typ string) bool) (string, []Item) {
	if text == "" || len(entities) == 0 {
		return text, nil
	}

	typeCounters := map[string]int{}
	placeholdersByValue := map[string]string{}
	itemsByPlaceholder := map[string]Item{}

	var out strings.Builder
	out.Grow(len(text))
	cursor := 0
	replacements := 0
	for _, e := range entities {
		if allow != nil && !allow(e.Type) {
			continue
		}
		if e.Start < cursor || e.End > len(text) {
			continue
		}
		if r.maxReplacements > 0 && replacements >= r.maxReplacements {
			break
		}
		key := e.Type + "|" + e.Text
		placeholder, ok := placeholdersByValue[key]
		if !ok {
			placeholder = r.placeholder(e, typeCounters)
			placeholdersByValue[key] = placeholder
			itemsByPlaceholder[placeholder] = Item{Type: e.Type, Original: e.Text, Placeholder: placeholder}
		}
		out.WriteString(text[cursor:e.Start])
		out.WriteString(placeholder)
		cursor = e.End
		replacements++
	}
	out.WriteString(text[cursor:])

	items := make([]Item, 0, len(itemsByPlaceholder))
	for _, item := range itemsByPlaceholder {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Placeholder < items[j].Placeholder })
	return out.String(), items
}

func (r *Redactor) placeholder(e detect.Entity, counters map[string]int) string {
	typ := strings.ToUpper(e.Type)
	switch r.style {
	case StyleNumbered:
		counters[e.Type]++
		return "[" + typ + "_" + strconv.Itoa(counters[e.Type]) + "]"
	case StyleMask:
		return MaskValue(e.Text, typ)
	default:
		return "[" + typ + "]"
	}
}

// Restore puts originals back in place of their placeholders. Only numbered
// placeholders are guaranteed to be unambiguous.
func Restore(text string, items []Item) string {
	if len(items) == 0 {
		return text
	}
	pairs := make([]string, 0, len(items)*2)
	for _, item := range items {
		pairs = append(pairs, item.Placeholder, item.Original)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
