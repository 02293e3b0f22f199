package notification

import (
	"bytes"
	"encoding/json"
	"strconv"
)

type ContentKind int

const (
	ContentOther ContentKind = iota
	// ContentPlain is a bare JSON string payload.
	ContentPlain
	ContentText
	ContentCaption
	ContentLocation
)

type Location struct {
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Content is a tagged union over the message payload shapes the transport emits.
type Content struct {
	Kind     ContentKind
	Text     string
	Location *Location
	Raw      json.RawMessage
}

func PlainContent(s string) Content   { return Content{Kind: ContentPlain, Text: s} }
func TextContent(s string) Content    { return Content{Kind: ContentText, Text: s} }
func CaptionContent(s string) Content { return Content{Kind: ContentCaption, Text: s} }
func LocationContent(l Location) Content {
	return Content{Kind: ContentLocation, Location: &l}
}

// UnmarshalJSON accepts a bare string, {"text": "..."}, {"text": {"body": "..."}},
// {"caption": "..."}, {"location": {...}}. Anything else decodes as ContentOther
// and keeps the raw bytes; it never returns an error.
func (c *Content) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*c = Content{Raw: append(json.RawMessage(nil), b...)}
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		c.Kind = ContentPlain
		c.Text = s
		return nil
	}

	var obj struct {
		Text     json.RawMessage `json:"text"`
		Body     string          `json:"body"`
		Caption  string          `json:"caption"`
		Location *Location       `json:"location"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil
	}
	if t := decodeText(obj.Text); t != "" {
		c.Kind, c.Text = ContentText, t
		return nil
	}
	if obj.Body != "" {
		c.Kind, c.Text = ContentText, obj.Body
		return nil
	}
	if obj.Caption != "" {
		c.Kind, c.Text = ContentCaption, obj.Caption
		return nil
	}
	if obj.Location != nil {
		c.Kind, c.Location = ContentLocation, obj.Location
	}
	return nil
}

func decodeText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var nested struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil {
		return nested.Body
	}
	return ""
}

func (c Content) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case ContentPlain:
		return json.Marshal(c.Text)
	case ContentText:
		return json.Marshal(map[string]string{"text": c.Text})
	case ContentCaption:
		return json.Marshal(map[string]string{"caption": c.Text})
	case ContentLocation:
		return json.Marshal(map[string]*Location{"location": c.Location})
	}
	if len(c.Raw) > 0 {
		return c.Raw, nil
	}
	return []byte("null"), nil
}

// Label renders a location for display: name, address, then coordinates.
func (l *Location) Label() string {
	switch {
	case l == nil:
		return ""
	case l.Name != "":
		return l.Name
	case l.Address != "":
		return l.Address
	case l.Latitude != 0 || l.Longitude != 0:
		return strconv.FormatFloat(l.Latitude, 'f', 5, 64) + "," + strconv.FormatFloat(l.Longitude, 'f', 5, 64)
	}
	return ""
}
