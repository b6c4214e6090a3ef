package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const streamID = "warpcam"

// Source owns the local tracks shared by every viewer session. pion fans a
// single static track out to all peer connections it is added to.
type Source struct {
	Video *webrtc.TrackLocalStaticSample
	Audio *webrtc.TrackLocalStaticSample

	logger *slog.Logger
}

// NewSource creates a VP8 video track and an Opus audio track.
func NewSource(logger *slog.Logger) (*Source, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{Video: video, Audio: audio, logger: logger.With("component", "media")}, nil
}

// Tracks lists the tracks to attach to each session.
func (s *Source) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.Video, s.Audio}
}

// PlayIVF loops a VP8 IVF file into the video track until ctx is done.
func (s *Source) PlayIVF(ctx context.Context, path string) error {
	return loopFile(ctx, path, func(f *os.File) error {
		ivf, header, err := ivfreader.NewWith(f)
		if err != nil {
			return fmt.Errorf("read ivf header: %w", err)
		}
		if header.FourCC != "VP80" {
			return fmt.Errorf("unsupported ivf codec %q, want VP80", header.FourCC)
		}

		frameDuration := time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
		if frameDuration <= 0 {
			frameDuration = time.Second / 30
		}
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()

		for {
			frame, _, err := ivf.ParseNextFrame()
			if err != nil {
				return err
			}
			if err := s.Video.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
				return fmt.Errorf("write video sample: %w", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
}

// PlayOgg loops an Ogg/Opus file into the audio track until ctx is done.
func (s *Source) PlayOgg(ctx context.Context, path string) error {
	const pageInterval = 20 * time.Millisecond

	return loopFile(ctx, path, func(f *os.File) error {
		ogg, _, err := oggreader.NewWith(f)
		if err != nil {
			return fmt.Errorf("read ogg header: %w", err)
		}

		ticker := time.NewTicker(pageInterval)
		defer ticker.Stop()

		var lastGranule uint64
		for {
			page, header, err := ogg.ParseNextPage()
			if err != nil {
				return err
			}
			samples := float64(header.GranulePosition - lastGranule)
			lastGranule = header.GranulePosition
			duration := time.Duration(samples / 48000 * float64(time.Second))

			if err := s.Audio.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
				return fmt.Errorf("write audio sample: %w", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
}

// loopFile replays path through play, reopening it at EOF.
func loopFile(ctx context.Context, path string, play func(*os.File) error) error {
	for {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		err = play(f)
		f.Close()

		switch {
		case errors.Is(err, io.EOF):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			return err
		}
	}
}
