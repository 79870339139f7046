package convo

import (
	"fmt"
	"strconv"
	"strings"
)

// ContentKind is the closed set of message payload types.
type ContentKind string

const (
	KindText        ContentKind = "text"
	KindImage       ContentKind = "image"
	KindVideo       ContentKind = "video"
	KindAudio       ContentKind = "audio"
	KindDocument    ContentKind = "document"
	KindLocation    ContentKind = "location"
	KindContact     ContentKind = "contact"
	KindReaction    ContentKind = "reaction"
	KindUnsupported ContentKind = "unsupported"
)

// ParseContentKind maps a wire tag to a ContentKind. Unknown tags map to
// KindUnsupported.
func ParseContentKind(s string) ContentKind {
	switch k := ContentKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindText, KindImage, KindVideo, KindAudio, KindDocument,
		KindLocation, KindContact, KindReaction:
		return k
	case "", "chat":
		return KindText
	case "sticker":
		return KindImage
	case "ptt", "voice":
		return KindAudio
	case "vcard":
		return KindContact
	default:
		return KindUnsupported
	}
}

// IsMedia reports whether the kind carries a Media payload.
func (k ContentKind) IsMedia() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindDocument:
		return true
	}
	return false
}

// Media describes an attachment.
type Media struct {
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Location is a shared map pin.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
}

// ContactCard is a shared contact.
type ContactCard struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Reaction is an emoji reaction to an earlier message.
type Reaction struct {
	Emoji            string `json:"emoji"`
	TargetExternalID string `json:"target_external_id,omitempty"`
}

// Content is the payload of a message. Exactly one payload field is set and
// it always agrees with Kind; use the constructors to build values.
type Content struct {
	Kind     ContentKind
	Text     string
	Media    *Media
	Location *Location
	Contact  *ContactCard
	Reaction *Reaction
}

// TextContent builds a text payload.
func TextContent(text string) Content {
	return Content{Kind: KindText, Text: text}
}

// MediaContent builds a media payload. kind must be a media kind.
func MediaContent(kind ContentKind, m Media) (Content, error) {
	if !kind.IsMedia() {
		return Content{}, fmt.Errorf("convo: %q is not a media kind", kind)
	}
	return Content{Kind: kind, Media: &m}, nil
}

// LocationContent builds a location payload.
func LocationContent(l Location) Content {
	return Content{Kind: KindLocation, Location: &l}
}

// ContactContent builds a contact payload.
func ContactContent(c ContactCard) Content {
	return Content{Kind: KindContact, Contact: &c}
}

// ReactionContent builds a reaction payload.
func ReactionContent(r Reaction) Content {
	return Content{Kind: KindReaction, Reaction: &r}
}

// Preview renders the one-line summary shown in the room list.
func (c Content) Preview() string {
	switch c.Kind {
	case KindText:
		return strings.TrimSpace(c.Text)
	case KindImage, KindVideo, KindAudio, KindDocument:
		label := mediaLabel(c.Kind)
		if c.Media == nil {
			return label
		}
		if c.Media.Caption != "" {
			return label + " " + c.Media.Caption
		}
		if c.Kind == KindDocument && c.Media.Filename != "" {
			return label + " " + c.Media.Filename
		}
		return label
	case KindLocation:
		if c.Location != nil && c.Location.Name != "" {
			return "[location] " + c.Location.Name
		}
		return "[location]"
	case KindContact:
		if c.Contact != nil {
			return "[contact] " + c.Contact.Name
		}
		return "[contact]"
	case KindReaction:
		if c.Reaction != nil {
			return c.Reaction.Emoji
		}
		return "[reaction]"
	case KindUnsupported:
		return "[unsupported message]"
	default:
		panic(fmt.Sprintf("convo: unhandled content kind %q", c.Kind))
	}
}

func mediaLabel(k ContentKind) string {
	return "[" + string(k) + "]"
}

// MatchKey returns the kind-specific comparison key used when correlating a
// local entry with its server twin: trimmed text, filename plus size for
// media, and so on. Unsupported content has no key.
func (c Content) MatchKey() string {
	switch c.Kind {
	case KindText:
		return strings.TrimSpace(c.Text)
	case KindImage, KindVideo, KindAudio, KindDocument:
		if c.Media == nil {
			return ""
		}
		return c.Media.Filename + "|" + strconv.FormatInt(c.Media.Size, 10)
	case KindLocation:
		if c.Location == nil {
			return ""
		}
		return strconv.FormatFloat(c.Location.Latitude, 'f', 6, 64) + "," +
			strconv.FormatFloat(c.Location.Longitude, 'f', 6, 64)
	case KindContact:
		if c.Contact == nil {
			return ""
		}
		return c.Contact.Name + "|" + c.Contact.Phone
	case KindReaction:
		if c.Reaction == nil {
			return ""
		}
		return c.Reaction.Emoji + "|" + c.Reaction.TargetExternalID
	case KindUnsupported:
		return ""
	default:
		panic(fmt.Sprintf("convo: unhandled content kind %q", c.Kind))
	}
}
