// Package fileenc converts uploaded files into transportable records.
package fileenc

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/wailsapp/mimetype"

	"github.com/hoangtnm/gradepaper/internal/model"
)

const genericMimeType = "application/octet-stream"

// Encode consumes an uploaded file and returns its FileRecord. The declared
// content type is trusted when present; otherwise the type is sniffed from
// the content. Encoding is lossless: Decode returns the original bytes.
func Encode(name, contentType string, r io.Reader) (model.FileRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return model.FileRecord{}, fmt.Errorf("read %s: %w", name, err)
	}
	mt := strings.TrimSpace(contentType)
	if mt == "" || mt == genericMimeType {
		mt = mimetype.Detect(data).String()
	}
	return model.FileRecord{
		Name:     name,
		MimeType: mt,
		Payload:  base64.StdEncoding.EncodeToString(data),
	}, nil
}

// Decode returns the original bytes of an encoded record.
func Decode(rec model.FileRecord) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", rec.Name, err)
	}
	return data, nil
}

// DataURL renders a record as a data: URL, the form vision-capable chat
// APIs accept for inline images.
func DataURL(rec model.FileRecord) string {
	return "data:" + rec.MimeType + ";base64," + rec.Payload
}
