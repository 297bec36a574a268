package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wejdan/chat-app/internal/metrics"
)

// sseDataPrefix and sseDoneMarker are the wire framing of chat-completion
// token streams.
const (
	sseDataPrefix = "data: "
	sseDoneMarker = "[DONE]"
)

// Fragment is one element of a token stream. A non-nil Err terminates the
// stream; fragments delivered before an error or cancellation are never
// retracted.
type Fragment struct {
	Content string
	Err     error
}

// Stream issues a streaming completion request and returns a finite,
// non-restartable sequence of content fragments. The channel is closed after
// the end marker, an in-band error, or context cancellation; cancelling the
// context aborts the underlying read and stops further fragments.
//
// Selection and connection errors are returned synchronously. For providers
// without native token streaming the request falls back to a single blocking
// call delivered as one fragment, indistinguishable from a one-chunk stream.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (<-chan Fragment, error) {
	provider, ok := o.directory.Select(req.Model)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, req.Model)
	}

	out := make(chan Fragment)

	if !provider.Dialect.SupportsStreaming() {
		go o.streamFallback(ctx, req, out)
		return out, nil
	}

	start := time.Now()
	resp, err := o.call(ctx, o.streamer, provider, req, true)
	if err != nil {
		o.observe(provider.Name, start, err)
		return nil, err
	}

	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 4096), 256*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, sseDataPrefix) {
				continue
			}
			data := strings.TrimPrefix(line, sseDataPrefix)
			if data == sseDoneMarker {
				o.observe(provider.Name, start, nil)
				return
			}

			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				// Malformed frames are skipped, matching the lenient decode
				// the providers themselves recommend.
				continue
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}

			metrics.StreamFragments.Inc()
			select {
			case out <- Fragment{Content: chunk.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}

		// A read error here is either a transport failure or the caller's
		// cancellation; cancellation closes the stream silently.
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			o.observe(provider.Name, start, err)
			select {
			case out <- Fragment{Err: fmt.Errorf("ai: stream from %s: %w", provider.Name, err)}:
			case <-ctx.Done():
			}
			return
		}
		o.observe(provider.Name, start, ctx.Err())
	}()

	return out, nil
}

// streamFallback serves providers without native streaming: one blocking call
// whose full content is delivered as a single fragment.
func (o *Orchestrator) streamFallback(ctx context.Context, req Request, out chan<- Fragment) {
	defer close(out)

	resp, err := o.Send(ctx, req)
	if err != nil {
		select {
		case out <- Fragment{Err: err}:
		case <-ctx.Done():
		}
		return
	}

	metrics.StreamFragments.Inc()
	select {
	case out <- Fragment{Content: resp.Content}:
	case <-ctx.Done():
	}
}

// StreamFunc is the callback form of Stream: onFragment is invoked exactly
// once per fragment, in arrival order. It returns nil after the end marker,
// the stream error if one occurred, or the context's error on cancellation.
func (o *Orchestrator) StreamFunc(ctx context.Context, req Request, onFragment func(string)) error {
	fragments, err := o.Stream(ctx, req)
	if err != nil {
		return err
	}
	for f := range fragments {
		if f.Err != nil {
			return f.Err
		}
		onFragment(f.Content)
	}
	return ctx.Err()
}
