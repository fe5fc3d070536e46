package domain

import (
	"fmt"
	"net/url"
	"strings"
)

type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
)

type DetectionMode string

const (
	DetectionSmart DetectionMode = "smart"
	DetectionQuick DetectionMode = "quick"
	DetectionEven  DetectionMode = "even"
)

const (
	MinClipCount    = 1
	MaxClipCount    = 20
	MinClipDuration = 5
	MaxClipDuration = 180

	defaultClipCount    = 5
	defaultClipDuration = 30
)

// RequestParameters is the transformation configuration handed to the worker.
type RequestParameters struct {
	Platform      Platform      `json:"platform"`
	DetectionMode DetectionMode `json:"detection_mode"`
	ClipCount     int           `json:"clip_count"`
	ClipDuration  int           `json:"clip_duration"` // seconds
	Captions      bool          `json:"captions"`
	EnhanceAudio  bool          `json:"enhance_audio"`
	AutoReframe   bool          `json:"auto_reframe"`
}

// WithDefaults fills zero-valued fields.
func (p RequestParameters) WithDefaults() RequestParameters {
	if p.Platform == "" {
		p.Platform = PlatformYouTube
	}
	if p.DetectionMode == "" {
		p.DetectionMode = DetectionSmart
	}
	if p.ClipCount == 0 {
		p.ClipCount = defaultClipCount
	}
	if p.ClipDuration == 0 {
		p.ClipDuration = defaultClipDuration
	}
	return p
}

func (p RequestParameters) Validate() error {
	switch p.Platform {
	case PlatformYouTube, PlatformTikTok, PlatformInstagram:
	default:
		return &ValidationError{Field: "platform", Reason: fmt.Sprintf("unsupported platform %q", p.Platform)}
	}
	switch p.DetectionMode {
	case DetectionSmart, DetectionQuick, DetectionEven:
	default:
		return &ValidationError{Field: "detection_mode", Reason: fmt.Sprintf("unsupported detection mode %q", p.DetectionMode)}
	}
	if p.ClipCount < MinClipCount || p.ClipCount > MaxClipCount {
		return &ValidationError{
			Field:  "clip_count",
			Reason: fmt.Sprintf("must be between %d and %d, got %d", MinClipCount, MaxClipCount, p.ClipCount),
		}
	}
	if p.ClipDuration < MinClipDuration || p.ClipDuration > MaxClipDuration {
		return &ValidationError{
			Field:  "clip_duration",
			Reason: fmt.Sprintf("must be between %d and %d seconds, got %d", MinClipDuration, MaxClipDuration, p.ClipDuration),
		}
	}
	return nil
}

// ValidateSource accepts absolute http(s) URLs with a host.
func ValidateSource(source string) error {
	source = strings.TrimSpace(source)
	if source == "" {
		return &ValidationError{Field: "source", Reason: "source url is required"}
	}
	u, err := url.Parse(source)
	if err != nil {
		return &ValidationError{Field: "source", Reason: fmt.Sprintf("malformed url: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "source", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return &ValidationError{Field: "source", Reason: "url has no host"}
	}
	return nil
}
