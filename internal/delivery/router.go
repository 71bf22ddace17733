package delivery

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/mediadrop/internal/fileserver"
	"github.com/italolelis/mediadrop/internal/logctx"
	"github.com/italolelis/mediadrop/internal/media"
	"github.com/italolelis/mediadrop/internal/telemetry"
)

const (
	// DefaultDirectUploadLimit is the largest file handed to the uploader.
	DefaultDirectUploadLimit int64 = 2 << 30

	uploadBufferSize = 64 * 1024
)

// Method is the path a delivery took.
type Method string

const (
	MethodUpload Method = "upload"
	MethodLink   Method = "link"
)

// Request describes a finished artifact and who it belongs to.
type Request struct {
	SessionID string
	ChatID    int64
	Kind      media.Kind
	Title     string
	Path      string
	Filename  string
}

// Outcome reports how an artifact reached the user.
type Outcome struct {
	Method    Method
	Size      int64
	URL       string
	Token     string
	ExpiresAt time.Time
}

// UploadRequest is what an Uploader needs besides the byte stream.
type UploadRequest struct {
	ChatID   int64
	Kind     media.Kind
	Title    string
	Filename string
	Size     int64
}

// Uploader pushes a file to the chat platform. The reader must be consumed
// sequentially; it is never seekable.
type Uploader interface {
	Upload(ctx context.Context, req UploadRequest, r io.Reader) error
}

// Link is a download link announcement.
type Link struct {
	ChatID    int64
	Title     string
	URL       string
	Size      int64
	ExpiresAt time.Time
}

// LinkSender tells the user about a download link.
type LinkSender interface {
	SendLink(ctx context.Context, link Link) error
}

// Publisher makes a file available over HTTP.
type Publisher interface {
	Register(ctx context.Context, sessionID, path, filename string) (*fileserver.Artifact, error)
	Retention() time.Duration
}

type Options struct {
	DirectUploadLimit int64
	ExternalURL       string
}

// Router decides between a direct upload and a download link based on size.
type Router struct {
	uploader  Uploader
	links     LinkSender
	publisher Publisher
	opts      Options
	telemetry *telemetry.Telemetry
}

// NewRouter creates a router. links may be nil when links are only exposed
// through the session API.
func NewRouter(uploader Uploader, links LinkSender, publisher Publisher, opts Options, tel *telemetry.Telemetry) *Router {
	if opts.DirectUploadLimit <= 0 {
		opts.DirectUploadLimit = DefaultDirectUploadLimit
	}

	return &Router{
		uploader:  uploader,
		links:     links,
		publisher: publisher,
		opts:      opts,
		telemetry: tel,
	}
}

// Deliver hands the artifact to the user. The artifact is never modified; a
// failed delivery can be repeated.
func (r *Router) Deliver(ctx context.Context, req Request) (*Outcome, error) {
	logger := logctx.LoggerFromContext(ctx).With("session_id", req.SessionID)

	info, err := os.Stat(req.Path)
	if err != nil {
		return nil, &media.DiskError{Op: "stat", Path: req.Path, Err: err}
	}

	size := info.Size()

	if size <= r.opts.DirectUploadLimit && r.uploader != nil {
		logger.Info("delivering by upload", "size", humanize.IBytes(uint64(size)))

		err := r.telemetry.InstrumentDelivery(ctx, string(MethodUpload), func(ctx context.Context) error {
			return r.upload(ctx, req, size)
		})
		if err != nil {
			return nil, &media.DeliveryError{Method: string(MethodUpload), Path: req.Path, Err: err}
		}

		return &Outcome{Method: MethodUpload, Size: size}, nil
	}

	logger.Info("delivering by link", "size", humanize.IBytes(uint64(size)))

	var outcome *Outcome

	// Registration is idempotent per session, so repeating a delivery whose
	// announcement failed sends the same link again.
	err = r.telemetry.InstrumentDelivery(ctx, string(MethodLink), func(ctx context.Context) error {
		artifact, err := r.publisher.Register(ctx, req.SessionID, req.Path, req.Filename)
		if err != nil {
			return err
		}

		outcome = &Outcome{
			Method:    MethodLink,
			Size:      size,
			URL:       fileserver.URL(r.opts.ExternalURL, artifact.Token),
			Token:     artifact.Token,
			ExpiresAt: artifact.CreatedAt.Add(r.publisher.Retention()),
		}

		if r.links == nil {
			return nil
		}

		return r.links.SendLink(ctx, Link{
			ChatID:    req.ChatID,
			Title:     req.Title,
			URL:       outcome.URL,
			Size:      size,
			ExpiresAt: outcome.ExpiresAt,
		})
	})
	if err != nil {
		return nil, &media.DeliveryError{Method: string(MethodLink), Path: req.Path, Err: err}
	}

	return outcome, nil
}

func (r *Router) upload(ctx context.Context, req Request, size int64) error {
	f, err := os.Open(req.Path)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	body := &contextReader{ctx: ctx, r: bufio.NewReaderSize(f, uploadBufferSize)}

	return r.uploader.Upload(ctx, UploadRequest{
		ChatID:   req.ChatID,
		Kind:     req.Kind,
		Title:    req.Title,
		Filename: req.Filename,
		Size:     size,
	}, body)
}

// contextReader stops a stream once ctx is done, for uploaders whose client
// cannot be cancelled otherwise.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}
