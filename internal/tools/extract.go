package tools

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// EntityRef identifies an entity created by a tool.
type EntityRef struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Tab is a navigation hint for the UI.
type Tab struct {
	Type     string `json:"type"`
	Path     string `json:"path"`
	Title    string `json:"title"`
	EntityID string `json:"entityId,omitempty"`
}

// TitleRule names a title extraction rule.
type TitleRule string

const (
	TitleNone          TitleRule = ""
	TitleQuotedName    TitleRule = "quoted_name"
	TitleInvoiceNumber TitleRule = "invoice_number"
	TitleQuoteNumber   TitleRule = "quote_number"
)

var (
	uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

	titlePatterns = map[TitleRule]*regexp.Regexp{
		TitleQuotedName:    regexp.MustCompile(`"((?:[^"\\]|\\.)+)"|«\s*([^»]+?)\s*»|“([^”]+)”`),
		TitleInvoiceNumber: regexp.MustCompile(`\bF-\d{4}-\d{4,}\b`),
		TitleQuoteNumber:   regexp.MustCompile(`\bD-\d{4}-\d{4,}\b`),
	}
)

// ExtractID returns the first well-formed UUID in message.
func ExtractID(message string) (string, bool) {
	for _, candidate := range uuidPattern.FindAllString(message, -1) {
		if id, err := uuid.Parse(candidate); err == nil {
			return id.String(), true
		}
	}
	return "", false
}

// ExtractTitle applies rule to message.
func ExtractTitle(rule TitleRule, message string) (string, bool) {
	pattern, ok := titlePatterns[rule]
	if !ok {
		return "", false
	}
	match := pattern.FindStringSubmatch(message)
	if match == nil {
		return "", false
	}
	if len(match) == 1 {
		return match[0], true
	}
	for i, group := range match[1:] {
		if i == 0 && rule == TitleQuotedName {
			group = unescape(group)
		}
		if title := strings.TrimSpace(group); title != "" {
			return title, true
		}
	}
	return "", false
}

// unescape reverses Go-style quoting (%q) inside a double-quoted name.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	if unquoted, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return unquoted
	}
	return s
}

// ExtractEntity reads the created entity from a successful result. The id
// comes from the message, falling back to data.id; the title from the tool's
// rule, falling back to data.title, data.name or data.number. Both are
// required.
func ExtractEntity(spec Spec, message string, data map[string]any) (*EntityRef, bool) {
	if spec.EntityType == "" {
		return nil, false
	}

	id, ok := ExtractID(message)
	if !ok {
		if raw, isString := data["id"].(string); isString {
			if parsed, err := uuid.Parse(raw); err == nil {
				id, ok = parsed.String(), true
			}
		}
	}
	if !ok {
		return nil, false
	}

	title, ok := ExtractTitle(spec.TitleRule, message)
	if !ok {
		for _, key := range []string{"title", "name", "number"} {
			if s, isString := data[key].(string); isString && strings.TrimSpace(s) != "" {
				title, ok = strings.TrimSpace(s), true
				break
			}
		}
	}
	if !ok {
		return nil, false
	}
	return &EntityRef{Type: spec.EntityType, ID: id, Title: title}, true
}

// ExtractTab reads a {action: "open_tab", tab: {...}} directive from data.
func ExtractTab(data map[string]any) (*Tab, bool) {
	if action, _ := data["action"].(string); action != "open_tab" {
		return nil, false
	}
	raw, ok := data["tab"].(map[string]any)
	if !ok {
		return nil, false
	}
	str := func(key string) string {
		s, _ := raw[key].(string)
		return strings.TrimSpace(s)
	}
	tab := &Tab{
		Type:     str("type"),
		Path:     str("path"),
		Title:    str("title"),
		EntityID: str("entityId"),
	}
	if tab.Type == "" || tab.Path == "" {
		return nil, false
	}
	if tab.Title == "" {
		tab.Title = tab.Path
	}
	return tab, true
}

// DedupeEntities drops repeated (type, id) pairs, keeping the first.
func DedupeEntities(entities []EntityRef) []EntityRef {
	seen := make(map[[2]string]struct{}, len(entities))
	out := make([]EntityRef, 0, len(entities))
	for _, e := range entities {
		key := [2]string{e.Type, e.ID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}
