package imaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tailored-agentic-units/workchain/artifact"
	"github.com/tailored-agentic-units/workchain/engine"
	"github.com/tailored-agentic-units/workchain/work"
)

// NewDownload returns the download capability. It reads url (and optional
// selector) from the task input, stores the image in sink, and outputs the
// locator under image_uri.
func NewDownload(fetcher *Fetcher, sink artifact.Store) engine.Capability {
	return engine.CapabilityFunc(func(ctx context.Context, task engine.Task) (work.Data, error) {
		u, ok := task.Input.Get(work.KeyURL)
		if !ok || strings.TrimSpace(u) == "" {
			return nil, work.Client(fmt.Errorf("%w: %s", ErrMissingInput, work.KeyURL))
		}
		selector, _ := task.Input.Get(work.KeySelector)

		img, err := fetcher.Fetch(ctx, FetchRequest{URL: u, Selector: selector})
		if err != nil {
			return nil, classify(err)
		}

		locator, err := sink.Save(ctx, "download/"+task.ID+extension(img.ContentType), img.Data)
		if err != nil {
			return nil, fmt.Errorf("store download: %w", err)
		}
		return work.Data{work.KeyImageURI: locator}, nil
	})
}

// NewFilter returns the filter capability. It reads the artifact named by
// image_uri, applies filter, stores the result in sink, and outputs the
// locator under filter_uri. Every failure is terminal.
func NewFilter(filter LightingFilter, sink artifact.Store) engine.Capability {
	return engine.CapabilityFunc(func(ctx context.Context, task engine.Task) (work.Data, error) {
		locator, ok := task.Input.Get(work.KeyImageURI)
		if !ok || locator == "" {
			return nil, work.Client(fmt.Errorf("%w: %s", ErrMissingInput, work.KeyImageURI))
		}

		data, err := sink.Open(ctx, locator)
		if err != nil {
			return nil, work.Client(fmt.Errorf("open %s: %w", locator, err))
		}

		filtered, err := filter.Apply(data)
		if err != nil {
			return nil, work.Client(err)
		}

		out, err := sink.Save(ctx, "filter/"+task.ID+".jpg", filtered)
		if err != nil {
			return nil, work.Client(fmt.Errorf("store filtered image: %w", err))
		}
		return work.Data{work.KeyFilterURI: out}, nil
	})
}

// classify marks content and input failures as client errors; status and
// network errors already carry their own class.
func classify(err error) error {
	switch {
	case work.ClassOf(err) != work.ClassUnknown:
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrMissingInput), errors.Is(err, ErrEmptyBody),
		errors.Is(err, ErrNoMatch), errors.Is(err, ErrTooLarge):
		return work.Client(err)
	default:
		return err
	}
}

func extension(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/gif"):
		return ".gif"
	case strings.HasPrefix(contentType, "image/webp"):
		return ".webp"
	default:
		return ".jpg"
	}
}
