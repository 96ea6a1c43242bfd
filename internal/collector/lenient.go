package collector

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
	"time"
)

// textFields may contain unescaped markup in broken feeds; nested tags inside them are kept
// as part of the text instead of ending the field.
var textFields = map[string]bool{
	"description": true,
	"summary":     true,
	"content":     true,
	"encoded":     true,
}

var rawDateLayouts = []string{time.RFC1123Z, time.RFC1123, time.RFC3339, "Mon, 2 Jan 2006 15:04:05 -0700", "2006-01-02 15:04:05"}

// lenientScan pulls item/entry fields out of a feed that a strict parser rejected. It reads
// tokens until the document ends or becomes unreadable and returns whatever it found.
func lenientScan(body []byte) []rawEntry {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }

	var (
		entries []rawEntry
		cur     *rawEntry
		guid    string
		field   string
		depth   int
		buf     strings.Builder
	)

	finish := func() {
		if cur == nil {
			return
		}
		if strings.TrimSpace(cur.Link) == "" && strings.HasPrefix(strings.TrimSpace(guid), "http") {
			cur.Link = guid
		}
		cur.Published = parseRawDate(cur.RawPub)
		entries = append(entries, *cur)
		cur, guid, field = nil, "", ""
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := strings.ToLower(t.Name.Local)
			if name == "item" || name == "entry" {
				finish()
				cur = &rawEntry{}
				continue
			}
			if cur == nil {
				continue
			}
			if field != "" && textFields[field] {
				depth++
				continue
			}
			field = name
			depth = 0
			buf.Reset()
			if name == "link" {
				for _, a := range t.Attr {
					if strings.EqualFold(a.Name.Local, "href") && cur.Link == "" {
						cur.Link = strings.TrimSpace(a.Value)
					}
				}
			}

		case xml.CharData:
			if cur != nil && field != "" {
				buf.Write(t)
			}

		case xml.EndElement:
			name := strings.ToLower(t.Name.Local)
			if cur == nil {
				continue
			}
			if name == "item" || name == "entry" {
				finish()
				continue
			}
			if field == "" {
				continue
			}
			if textFields[field] && depth > 0 {
				depth--
				continue
			}
			if name == field {
				assignField(cur, &guid, field, buf.String())
				field = ""
			}
		}
	}

	if cur != nil {
		finish()
	}
	return entries
}

func assignField(e *rawEntry, guid *string, field, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	switch field {
	case "link":
		if e.Link == "" {
			e.Link = text
		}
	case "guid", "id":
		*guid = text
	case "title":
		if e.Title == "" {
			e.Title = text
		}
	case "description", "summary":
		if e.Summary == "" {
			e.Summary = text
		}
	case "encoded", "content":
		e.Description = text
	case "pubdate", "published", "date", "issued":
		if e.RawPub == "" {
			e.RawPub = text
		}
	case "updated", "modified":
		e.RawUpdated = text
	}
}

func parseRawDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range rawDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}
