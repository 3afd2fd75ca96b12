package bamlutils

import (
	"errors"
	"fmt"
	"strings"
)

// MediaKind identifies a media type (image, audio, pdf, video).
type MediaKind int

const (
	MediaKindImage MediaKind = iota
	MediaKindAudio
	MediaKindPDF
	MediaKindVideo
)

// String returns the lowercase name of the media kind.
func (k MediaKind) String() string {
	switch k {
	case MediaKindImage:
		return "image"
	case MediaKindAudio:
		return "audio"
	case MediaKindPDF:
		return "pdf"
	case MediaKindVideo:
		return "video"
	default:
		return fmt.Sprintf("MediaKind(%d)", int(k))
	}
}

// ParseMediaKind is the inverse of MediaKind.String.
func ParseMediaKind(name string) (MediaKind, error) {
	switch strings.ToLower(name) {
	case "image":
		return MediaKindImage, nil
	case "audio":
		return MediaKindAudio, nil
	case "pdf":
		return MediaKindPDF, nil
	case "video":
		return MediaKindVideo, nil
	default:
		return 0, fmt.Errorf("unknown media kind %q", name)
	}
}

// MediaInput is a JSON-friendly representation of a media value.
// Callers must provide exactly one of URL or Base64.
type MediaInput struct {
	URL       *string `json:"url,omitempty"`
	Base64    *string `json:"base64,omitempty"`
	MediaType *string `json:"media_type,omitempty"`
}

// Validate checks that exactly one of URL or Base64 is set.
func (m *MediaInput) Validate() error {
	hasURL := m.URL != nil
	hasBase64 := m.Base64 != nil

	if hasURL && hasBase64 {
		return errors.New("must provide either 'url' or 'base64', not both")
	}
	if !hasURL && !hasBase64 {
		return errors.New("must provide either 'url' or 'base64'")
	}

	return nil
}

// Media is a validated media value attached to a prompt.
type Media struct {
	Kind      MediaKind
	URL       string
	Base64    string
	MediaType string
}

// IsURL reports whether the media is referenced by URL rather than inlined.
func (m Media) IsURL() bool {
	return m.URL != ""
}

// DataURL renders inlined media as a data: URL, or returns the URL as-is.
func (m Media) DataURL() string {
	if m.IsURL() {
		return m.URL
	}
	mediaType := m.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return "data:" + mediaType + ";base64," + m.Base64
}

// ConvertMedia validates a MediaInput and converts it to a Media value.
func ConvertMedia(kind MediaKind, input *MediaInput) (Media, error) {
	if input == nil {
		return Media{}, fmt.Errorf("%s input: missing", kind)
	}
	if err := input.Validate(); err != nil {
		return Media{}, fmt.Errorf("%s input: %w", kind, err)
	}

	media := Media{Kind: kind}
	if input.MediaType != nil {
		media.MediaType = *input.MediaType
	}
	if input.URL != nil {
		media.URL = *input.URL
	} else {
		media.Base64 = *input.Base64
	}
	return media, nil
}

// MediaFromMap converts a decoded JSON object ({"url": ...} or
// {"base64": ..., "media_type": ...}) into a Media value.
func MediaFromMap(kind MediaKind, m map[string]any) (Media, error) {
	var input MediaInput
	for key, target := range map[string]**string{
		"url":        &input.URL,
		"base64":     &input.Base64,
		"media_type": &input.MediaType,
	} {
		raw, ok := m[key]
		if !ok || raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return Media{}, fmt.Errorf("%s input: %q must be a string", kind, key)
		}
		*target = &s
	}
	return ConvertMedia(kind, &input)
}
