package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const anonymous = "anonymous"

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// scriptComments looks for a comment list embedded as JSON in inline scripts,
// either as {"comments": [...]} or {"data": {"comments": [...]}}.
func scriptComments(doc *goquery.Document) []Comment {
	var out []Comment
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		text := s.Text()
		if !strings.Contains(strings.ToLower(text), "comment") {
			return
		}
		raw := jsonObject.FindString(text)
		if raw == "" {
			return
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return
		}
		list, ok := payload["comments"].([]any)
		if !ok {
			if data, isObj := payload["data"].(map[string]any); isObj {
				list, _ = data["comments"].([]any)
			}
		}
		for _, item := range list {
			obj, isObj := item.(map[string]any)
			if !isObj {
				continue
			}
			c := Comment{
				Author: firstField(obj, anonymous, "author", "name"),
				Text:   firstField(obj, "", "text", "comment"),
			}
			if c.Text != "" {
				out = append(out, c)
			}
		}
	})
	return out
}

func firstField(obj map[string]any, fallback string, keys ...string) string {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if s != "" {
			return s
		}
	}
	return fallback
}
