package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/mediadrop/internal/logctx"
	"github.com/italolelis/mediadrop/internal/media"
	"github.com/italolelis/mediadrop/internal/telemetry"
)

// Muxer combines a video and an audio stream into one container at out.
type Muxer interface {
	Mux(ctx context.Context, video, audio, out string) error
}

// Stage turns two fetched streams into a single artifact. Sources are only
// deleted once the merged file is in place.
type Stage struct {
	muxer     Muxer
	telemetry *telemetry.Telemetry
}

func NewStage(muxer Muxer, tel *telemetry.Telemetry) *Stage {
	return &Stage{muxer: muxer, telemetry: tel}
}

// Merge muxes video and audio into out and returns the final path. On
// failure the sources are left untouched so the merge can be retried.
func (s *Stage) Merge(ctx context.Context, video, audio, out string) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("output", filepath.Base(out))

	for _, src := range []string{video, audio} {
		if err := checkSource(src); err != nil {
			return "", err
		}
	}

	tmp := temporaryPath(out)
	_ = os.Remove(tmp)

	err := s.telemetry.InstrumentMerge(ctx, func(ctx context.Context) error {
		return s.muxer.Mux(ctx, video, audio, tmp)
	})
	if err != nil {
		_ = os.Remove(tmp)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		return "", &media.MergeError{Reason: "muxer failed", Err: err}
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return "", &media.MergeError{Reason: "muxer produced no output", Err: err}
	}

	if info.Size() == 0 {
		_ = os.Remove(tmp)

		return "", &media.MergeError{Reason: "muxer produced an empty file"}
	}

	if err := os.Rename(tmp, out); err != nil {
		_ = os.Remove(tmp)

		return "", &media.MergeError{Reason: "failed to move merged file into place", Err: err}
	}

	for _, src := range []string{video, audio} {
		if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove merged source", "path", src, "err", err)
		}
	}

	logger.Info("streams merged", "size", humanize.IBytes(uint64(info.Size())))

	return out, nil
}

func checkSource(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &media.MergeError{Reason: fmt.Sprintf("source %s unavailable", filepath.Base(path)), Err: err}
	}

	if info.Size() == 0 {
		return &media.MergeError{Reason: fmt.Sprintf("source %s is empty", filepath.Base(path))}
	}

	return nil
}

// temporaryPath keeps the container extension last so the muxer can infer
// the output format: movie.mp4 becomes movie.merging.mp4.
func temporaryPath(out string) string {
	ext := filepath.Ext(out)

	return strings.TrimSuffix(out, ext) + ".merging" + ext
}
