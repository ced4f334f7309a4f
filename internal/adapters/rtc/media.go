package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/livecam/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const (
	defaultFrameInterval = 33 * time.Millisecond
	oggPageDuration      = 20 * time.Millisecond
	opusClockRate        = 48000
)

var (
	ErrNoVideoSource = errors.New("rtc: no video source configured")
	ErrNoAudioSource = errors.New("rtc: no audio source configured")
	ErrNothingToSend = errors.New("rtc: neither video nor audio requested")
)

type trackState int32

const (
	trackLive trackState = iota
	trackMuted
	trackStopped
)

// SampleTrack is a local track fed with whole media samples. Muted tracks
// drop samples; a stopped track stays stopped.
type SampleTrack struct {
	*webrtc.TrackLocalStaticSample
	state atomic.Int32
}

func NewSampleTrack(mimeType, id, streamID string) (*SampleTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, id, streamID)
	if err != nil {
		return nil, err
	}
	return &SampleTrack{TrackLocalStaticSample: t}, nil
}

func (t *SampleTrack) SetEnabled(enabled bool) {
	if enabled {
		t.state.CompareAndSwap(int32(trackMuted), int32(trackLive))
		return
	}
	t.state.CompareAndSwap(int32(trackLive), int32(trackMuted))
}

func (t *SampleTrack) Enabled() bool { return trackState(t.state.Load()) == trackLive }

func (t *SampleTrack) Stop() { t.state.Store(int32(trackStopped)) }

func (t *SampleTrack) stopped() bool { return trackState(t.state.Load()) == trackStopped }

func (t *SampleTrack) write(s media.Sample) error {
	if !t.Enabled() {
		return nil
	}
	return t.WriteSample(s)
}

// FileCapturer plays looping media files as a camera: VP8 from an IVF file
// and Opus from an Ogg file.
type FileCapturer struct {
	VideoPath string
	AudioPath string
	StreamID  string
}

func (f *FileCapturer) Capture(ctx context.Context, c core.Constraints) (core.MediaSource, error) {
	if !c.Video && !c.Audio {
		return nil, ErrNothingToSend
	}
	streamID := f.StreamID
	if streamID == "" {
		streamID = "livecam"
	}
	srcCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	src := &fileSource{cancel: cancel}

	if c.Video {
		if f.VideoPath == "" {
			cancel()
			return nil, ErrNoVideoSource
		}
		if err := src.startVideo(srcCtx, f.VideoPath, streamID); err != nil {
			src.Stop()
			return nil, err
		}
	}
	if c.Audio {
		if f.AudioPath == "" {
			src.Stop()
			return nil, ErrNoAudioSource
		}
		if err := src.startAudio(srcCtx, f.AudioPath, streamID); err != nil {
			src.Stop()
			return nil, err
		}
	}
	return src, nil
}

type fileSource struct {
	tracks []*SampleTrack
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *fileSource) Tracks() []core.MediaTrack {
	out := make([]core.MediaTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *fileSource) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
		s.cancel()
		s.wg.Wait()
	})
}

func (s *fileSource) startVideo(ctx context.Context, path, streamID string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("read ivf header: %w", err)
	}
	if header.FourCC != "VP80" {
		file.Close()
		return fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}
	track, err := NewSampleTrack(webrtc.MimeTypeVP8, "video", streamID)
	if err != nil {
		file.Close()
		return err
	}
	s.tracks = append(s.tracks, track)

	interval := defaultFrameInterval
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		interval = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer file.Close()
		logger := log.With().Str("module", "rtc.capture").Str("file", path).Logger()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			frame, _, err := reader.ParseNextFrame()
			if errors.Is(err, io.EOF) {
				if reader, err = rewindIVF(file); err != nil {
					logger.Error().Err(err).Msg("rewind failed, video stopped")
					return
				}
				continue
			}
			if err != nil {
				logger.Error().Err(err).Msg("read frame failed, video stopped")
				return
			}
			if track.stopped() {
				return
			}
			if err := track.write(media.Sample{Data: frame, Duration: interval}); err != nil {
				logger.Warn().Err(err).Msg("write sample")
			}
		}
	}()
	return nil
}

func rewindIVF(file *os.File) (*ivfreader.IVFReader, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader, _, err := ivfreader.NewWith(file)
	return reader, err
}

func (s *fileSource) startAudio(ctx context.Context, path, streamID string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("read ogg header: %w", err)
	}
	track, err := NewSampleTrack(webrtc.MimeTypeOpus, "audio", streamID)
	if err != nil {
		file.Close()
		return err
	}
	s.tracks = append(s.tracks, track)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer file.Close()
		logger := log.With().Str("module", "rtc.capture").Str("file", path).Logger()
		ticker := time.NewTicker(oggPageDuration)
		defer ticker.Stop()
		var lastGranule uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			page, header, err := reader.ParseNextPage()
			if errors.Is(err, io.EOF) {
				if reader, err = rewindOgg(file); err != nil {
					logger.Error().Err(err).Msg("rewind failed, audio stopped")
					return
				}
				lastGranule = 0
				continue
			}
			if err != nil {
				logger.Error().Err(err).Msg("read page failed, audio stopped")
				return
			}
			if track.stopped() {
				return
			}
			samples := header.GranulePosition - lastGranule
			lastGranule = header.GranulePosition
			duration := time.Duration(float64(samples) / opusClockRate * float64(time.Second))
			if err := track.write(media.Sample{Data: page, Duration: duration}); err != nil {
				logger.Warn().Err(err).Msg("write sample")
			}
		}
	}()
	return nil
}

func rewindOgg(file *os.File) (*oggreader.OggReader, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(file)
	return reader, err
}
