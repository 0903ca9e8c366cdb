package protocol

import (
	"encoding/json"
	"fmt"
)

// Part content types.
const (
	PartTypeText = "text"
	PartTypeData = "data"
	PartTypeFile = "file"
)

// Part is one unit of message or artifact content. Exactly one of Text,
// Data, or File is populated, discriminated by Type on the wire.
type Part struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	File     *FileContent   `json:"file,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FileContent carries file bytes (base64) or a URI reference.
type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// DataPart builds a structured data part.
func DataPart(data map[string]any) Part {
	return Part{Type: PartTypeData, Data: data}
}

// FilePart builds a file part.
func FilePart(f FileContent) Part {
	return Part{Type: PartTypeFile, File: &f}
}

// UnmarshalJSON validates the discriminator so malformed parts fail at the
// envelope boundary rather than deep inside a handler.
func (p *Part) UnmarshalJSON(data []byte) error {
	type alias Part
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	switch a.Type {
	case PartTypeText, PartTypeData, PartTypeFile:
	case "":
		return fmt.Errorf("part missing type")
	default:
		return fmt.Errorf("unknown part type %q", a.Type)
	}
	*p = Part(a)
	return nil
}

// FirstText returns the text of the first text part of the message.
func (m *Message) FirstText() (string, bool) {
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			return p.Text, true
		}
	}
	return "", false
}
