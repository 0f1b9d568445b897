package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image/jpeg"

	"github.com/appu-labs/companion/shared"
	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/prop"
)

// CaptureFrame borrows one camera frame and returns it as base64 JPEG. The
// device is opened on demand and released before returning, so the vision
// tool never holds the camera between calls.
func CaptureFrame(ctx context.Context, logger shared.LoggerAdapter) (string, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
		},
	})
	if err != nil {
		return "", err
	}
	videoTracks := stream.GetVideoTracks()
	if len(videoTracks) == 0 {
		return "", errors.New("no video track found in camera stream")
	}
	track := videoTracks[0].(*mediadevices.VideoTrack)
	defer func() {
		if err := track.Close(); err != nil {
			logger.Error("closing camera track", err)
		}
	}()

	reader := track.NewReader(false)
	frame, release, err := reader.Read()
	if err != nil {
		return "", err
	}
	defer release()

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, frame, &jpeg.Options{Quality: 80}); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
