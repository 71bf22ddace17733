package media

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
)

// partialExt is reserved for in-progress downloads.
const partialExt = "part"

var extPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,8}$`)

// Kind classifies a format or one of its streams.
type Kind string

const (
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindCombined Kind = "combined"
)

func (k Kind) Valid() bool {
	switch k {
	case KindVideo, KindAudio, KindCombined:
		return true
	}

	return false
}

// StreamSpec describes one remotely fetchable stream of a format.
type StreamSpec struct {
	URL          string `json:"url"`
	Kind         Kind   `json:"kind"`
	Codec        string `json:"codec,omitempty"`
	ExpectedSize int64  `json:"expected_size,omitempty"`
}

// Format is a descriptor returned by format discovery and chosen by the user.
// A format is either a single stream (combined or audio-only or video-only)
// or a video stream paired with an audio stream that must be muxed.
type Format struct {
	ID            string       `json:"id"`
	Kind          Kind         `json:"kind"`
	Label         string       `json:"label,omitempty"`
	Ext           string       `json:"ext,omitempty"`
	EstimatedSize int64        `json:"estimated_size,omitempty"`
	Streams       []StreamSpec `json:"streams"`
}

// Validate checks the descriptor can be turned into a fetch plan.
func (f Format) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("format id is required")
	}

	if !f.Kind.Valid() {
		return fmt.Errorf("format %s: unknown kind %q", f.ID, f.Kind)
	}

	if ext := strings.TrimPrefix(f.Ext, "."); ext != "" {
		if !extPattern.MatchString(ext) || strings.EqualFold(ext, partialExt) {
			return fmt.Errorf("format %s: invalid extension %q", f.ID, f.Ext)
		}
	}

	switch len(f.Streams) {
	case 1:
	case 2:
		if f.Video() == nil || f.Audio() == nil {
			return fmt.Errorf("format %s: two streams must be one video and one audio", f.ID)
		}
	default:
		return fmt.Errorf("format %s: expected 1 or 2 streams, got %d", f.ID, len(f.Streams))
	}

	for i, s := range f.Streams {
		if s.URL == "" {
			return fmt.Errorf("format %s: stream %d has no url", f.ID, i)
		}

		if s.ExpectedSize < 0 {
			return fmt.Errorf("format %s: stream %d has negative size", f.ID, i)
		}
	}

	return nil
}

// NeedsMerge reports whether the format is a video-only plus audio-only pair.
func (f Format) NeedsMerge() bool {
	return len(f.Streams) == 2
}

// Video returns the video-only stream of a pair, if any.
func (f Format) Video() *StreamSpec {
	return f.stream(KindVideo)
}

// Audio returns the audio-only stream of a pair, if any.
func (f Format) Audio() *StreamSpec {
	return f.stream(KindAudio)
}

func (f Format) stream(k Kind) *StreamSpec {
	for i := range f.Streams {
		if f.Streams[i].Kind == k {
			return &f.Streams[i]
		}
	}

	return nil
}

// TotalSize returns the sum of the expected stream sizes, or the estimate
// when no stream carries one.
func (f Format) TotalSize() int64 {
	var total int64
	for _, s := range f.Streams {
		total += s.ExpectedSize
	}

	if total == 0 {
		return f.EstimatedSize
	}

	return total
}

// Extension returns the container extension of the final artifact.
func (f Format) Extension() string {
	if ext := strings.TrimPrefix(f.Ext, "."); ext != "" {
		return ext
	}

	if f.NeedsMerge() {
		return "mp4"
	}

	if f.Kind == KindAudio {
		return "m4a"
	}

	return "mp4"
}

// FormatSize renders a byte count for humans, "unknown" for non-positive sizes.
func FormatSize(n int64) string {
	if n <= 0 {
		return "unknown"
	}

	return humanize.IBytes(uint64(n))
}
