package domain

import "strings"

// MediaKind distinguishes audio and video media lines.
type MediaKind int

const (
	MediaKindUnknown MediaKind = iota
	MediaKindAudio
	MediaKindVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaKindAudio:
		return "audio"
	case MediaKindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Codec describes a negotiable codec. It is a value type compared by its
// profile-relevant fields during negotiation; PayloadType is assigned when
// the codec is registered with the media engine.
type Codec struct {
	MimeType    string
	ClockRate   uint32
	Channels    uint16
	SDPFmtpLine string
	PayloadType uint8
}

// Kind derives the media kind from the MIME type prefix.
func (c Codec) Kind() MediaKind {
	switch {
	case strings.HasPrefix(strings.ToLower(c.MimeType), "audio/"):
		return MediaKindAudio
	case strings.HasPrefix(strings.ToLower(c.MimeType), "video/"):
		return MediaKindVideo
	default:
		return MediaKindUnknown
	}
}

// IsH264 reports whether the codec is any H.264 variant.
func (c Codec) IsH264() bool {
	return strings.EqualFold(c.MimeType, "video/H264")
}

// H264Profile returns the profile_idc portion (first two hex digits) of the
// profile-level-id fmtp parameter, or "" when absent.
func (c Codec) H264Profile() string {
	return h264Profile(c.SDPFmtpLine)
}

// Matches reports whether another codec's MIME type and profile-relevant
// format parameters are compatible with this one. For H.264 only the
// profile_idc is compared since level and asymmetry are negotiable; for
// other codecs a missing fmtp line on either side matches anything.
func (c Codec) Matches(mimeType, fmtpLine string) bool {
	if !strings.EqualFold(c.MimeType, mimeType) {
		return false
	}
	if c.IsH264() {
		return strings.EqualFold(h264Profile(c.SDPFmtpLine), h264Profile(fmtpLine))
	}
	if c.SDPFmtpLine == "" || fmtpLine == "" {
		return true
	}
	return strings.EqualFold(c.SDPFmtpLine, fmtpLine)
}

// h264Profile extracts the profile_idc from a fmtp line such as
// "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=64001f".
func h264Profile(fmtpLine string) string {
	for _, param := range strings.Split(fmtpLine, ";") {
		key, value, found := strings.Cut(strings.TrimSpace(param), "=")
		if !found || !strings.EqualFold(key, "profile-level-id") {
			continue
		}
		if len(value) < 2 {
			return ""
		}
		return strings.ToLower(value[:2])
	}
	return ""
}
