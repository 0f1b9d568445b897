package tools

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/appu-labs/companion/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
)

// MicSource implements companion.MediaSource over the default microphone.
// The orchestrator owns it exclusively while connected.
type MicSource struct {
	logger shared.LoggerAdapter

	mu      sync.Mutex
	stream  mediadevices.MediaStream
	track   mediadevices.Track
	latency time.Duration
}

func NewMicSource(logger shared.LoggerAdapter) (*MicSource, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &MicSource{logger: logger}, nil
}

func (m *MicSource) AcquireAudio(ctx context.Context) (mediadevices.Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.track != nil {
		return m.track, nil
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return nil, err
	}
	audioTracks := stream.GetAudioTracks()
	if len(audioTracks) == 0 {
		return nil, errors.New("no audio track found in microphone stream")
	}
	m.stream = stream
	m.track = audioTracks[0]
	m.latency = opusParams.Latency.Duration()
	m.logger.Info("microphone stream obtained")
	return m.track, nil
}

// FrameDuration is the encoder latency per frame, for the local streamer.
func (m *MicSource) FrameDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latency == 0 {
		return 20 * time.Millisecond
	}
	return m.latency
}

func (m *MicSource) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.track != nil {
		if err := m.track.Close(); err != nil {
			m.logger.Error("closing microphone track", err)
		}
	}
	m.stream = nil
	m.track = nil
}
