package relay_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"rtsp-relay-server/internal/relay"
)

func TestFFmpegLauncher_Args(t *testing.T) {
	l := &relay.FFmpegLauncher{
		Binary:        "ffmpeg",
		RTSPTransport: "udp",
		Bitrate:       "800k",
		FrameRate:     30,
	}

	args := l.Args(relay.DecoderSpec{
		SourceURL: "rtsp://camera.local/stream1",
		Width:     352,
		Height:    240,
		Network:   "udp",
		Port:      40123,
	})

	assert.Equal(t, []string{
		"-re",
		"-rtsp_transport", "udp",
		"-timeout", "-1",
		"-i", "rtsp://camera.local/stream1",
		"-video_size", "352x240",
		"-f", "mpegts",
		"-codec:v", "mpeg1video",
		"-bf", "0",
		"-codec:a", "mp2",
		"-b:v", "800k",
		"-r", "30",
		"udp://127.0.0.1:40123",
	}, args)
}

func TestFFmpegLauncher_MissingBinary(t *testing.T) {
	l := &relay.FFmpegLauncher{
		Binary:        "/nonexistent/ffmpeg-for-tests",
		RTSPTransport: "tcp",
		Bitrate:       "800k",
		FrameRate:     30,
		Logger:        discardLogger(),
	}

	_, err := l.Launch(relay.DecoderSpec{SourceURL: "rtsp://h/s", Width: 1, Height: 1, Network: "tcp", Port: 1})
	assert.Error(t, err)
}
