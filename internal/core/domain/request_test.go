package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestParameters_Defaults(t *testing.T) {
	p := RequestParameters{}.WithDefaults()
	assert.Equal(t, PlatformYouTube, p.Platform)
	assert.Equal(t, DetectionSmart, p.DetectionMode)
	assert.Equal(t, 5, p.ClipCount)
	assert.Equal(t, 30, p.ClipDuration)
	assert.NoError(t, p.Validate())
}

func TestRequestParameters_Validate(t *testing.T) {
	base := RequestParameters{}.WithDefaults()

	tests := []struct {
		name  string
		edit  func(*RequestParameters)
		field string
	}{
		{"clip count too high", func(p *RequestParameters) { p.ClipCount = 25 }, "clip_count"},
		{"clip count negative", func(p *RequestParameters) { p.ClipCount = -1 }, "clip_count"},
		{"bad platform", func(p *RequestParameters) { p.Platform = "vimeo" }, "platform"},
		{"bad detection", func(p *RequestParameters) { p.DetectionMode = "magic" }, "detection_mode"},
		{"clip too short", func(p *RequestParameters) { p.ClipDuration = 2 }, "clip_duration"},
		{"clip too long", func(p *RequestParameters) { p.ClipDuration = 600 }, "clip_duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.edit(&p)
			err := p.Validate()
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	edge := base
	edge.ClipCount = MaxClipCount
	assert.NoError(t, edge.Validate())
}

func TestValidateSource(t *testing.T) {
	assert.NoError(t, ValidateSource("https://www.youtube.com/watch?v=abc"))
	assert.NoError(t, ValidateSource("http://example.com/video.mp4"))

	for _, bad := range []string{"", "bad", "ftp://host/file", "https://", "://nope"} {
		var verr *ValidationError
		assert.True(t, errors.As(ValidateSource(bad), &verr), "expected validation error for %q", bad)
	}
}
