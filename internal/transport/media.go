package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const frameDuration = 20 * time.Millisecond

// opusSilence is a single 20 ms Opus silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// MediaOptions selects which local tracks a call offers.
type MediaOptions struct {
	Audio bool
	Video bool
}

// Media holds the local tracks shared by every peer connection of a call.
// Capture devices are not read; the audio track carries silence so remote
// sides see a live stream.
type Media struct {
	audio *pion.TrackLocalStaticSample
	video *pion.TrackLocalStaticSample
	log   *slog.Logger
}

// NewMedia creates the requested tracks. A track that cannot be created is
// left out: without video the call continues audio-only, without either it
// continues receive-only.
func NewMedia(opts MediaOptions, logger *slog.Logger) *Media {
	m := &Media{log: logger}
	stream := "warpcall-" + uuid.NewString()

	if opts.Audio {
		track, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", stream,
		)
		if err != nil {
			logger.Warn("Audio unavailable", "error", err)
		} else {
			m.audio = track
		}
	}

	if opts.Video {
		track, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000},
			"video", stream,
		)
		if err != nil {
			logger.Warn("Video unavailable, continuing audio-only", "error", err)
		} else {
			m.video = track
		}
	}

	return m
}

// Tracks returns the local tracks to attach to each peer connection.
func (m *Media) Tracks() []pion.TrackLocal {
	if m == nil {
		return nil
	}
	var tracks []pion.TrackLocal
	if m.audio != nil {
		tracks = append(tracks, m.audio)
	}
	if m.video != nil {
		tracks = append(tracks, m.video)
	}
	return tracks
}

// VideoOff reports whether no video is sent.
func (m *Media) VideoOff() bool { return m == nil || m.video == nil }

// ReceiveOnly reports whether nothing at all is sent.
func (m *Media) ReceiveOnly() bool { return len(m.Tracks()) == 0 }

// Run feeds the audio track until ctx is done.
func (m *Media) Run(ctx context.Context) {
	if m == nil || m.audio == nil {
		return
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.audio.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
				m.log.Debug("Writing audio sample", "error", err)
			}
		}
	}
}
