package merge

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/italolelis/mediadrop/internal/logctx"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

const maxStderrTail = 2048

// FFmpegMuxer muxes with a stream copy, so no re-encoding takes place.
type FFmpegMuxer struct {
	// Binary is the ffmpeg executable, looked up in PATH when empty.
	Binary string
}

func NewFFmpegMuxer(binary string) *FFmpegMuxer {
	if binary == "" {
		binary = "ffmpeg"
	}

	return &FFmpegMuxer{Binary: binary}
}

// Args returns the ffmpeg arguments for muxing video and audio into out.
func (m *FFmpegMuxer) Args(video, audio, out string) []string {
	return ffmpeg.Output(
		[]*ffmpeg.Stream{
			ffmpeg.Input(video).Video(),
			ffmpeg.Input(audio).Audio(),
		},
		out,
		ffmpeg.KwArgs{"c": "copy", "movflags": "+faststart"},
	).
		OverWriteOutput().
		GetArgs()
}

// Mux runs ffmpeg. Cancelling ctx kills the process.
func (m *FFmpegMuxer) Mux(ctx context.Context, video, audio, out string) error {
	args := append([]string{"-hide_banner", "-loglevel", "error", "-nostdin"}, m.Args(video, audio, out)...)

	cmd := exec.CommandContext(ctx, m.Binary, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logctx.LoggerFromContext(ctx).Debug("running muxer", "binary", m.Binary, "args", strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String()))
	}

	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrTail {
		return s[len(s)-maxStderrTail:]
	}

	return s
}
