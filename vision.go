package companion

import (
	"context"
	"errors"
	"fmt"

	"github.com/appu-labs/companion/shared"
	"github.com/bytedance/sonic"
)

// FrameCapture borrows one frame from the camera, returned as base64 JPEG.
// The capture function owns device access; the vision handler never holds
// the device.
type FrameCapture func(ctx context.Context) (frameBase64 string, err error)

// FrameAnalyzer is the external vision analysis service.
type FrameAnalyzer interface {
	AnalyzeFrame(ctx context.Context, frameBase64, context_ string) (string, error)
}

const visionApology = "I couldn't take a look just now. Let's try again in a moment."

// NewVisionHandler returns the look-and-describe tool handler: capture a
// frame, send it for analysis, speak the result back.
func NewVisionHandler(logger shared.LoggerAdapter, analyzer FrameAnalyzer, capture FrameCapture) (ToolHandler, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if analyzer == nil {
		return nil, errors.New("no frame analyzer provided")
	}
	if capture == nil {
		return nil, errors.New("no frame capture provided")
	}
	return func(ctx context.Context, callId string, args map[string]any) (string, error) {
		prompt, _ := args["context"].(string)
		frame, err := capture(ctx)
		if err != nil {
			return "", fmt.Errorf("capturing frame: %w", err)
		}
		analysis, err := analyzer.AnalyzeFrame(ctx, frame, prompt)
		if err != nil {
			return "", fmt.Errorf("analyzing frame: %w", err)
		}
		out, err := sonic.Marshal(map[string]any{"analysisText": analysis})
		if err != nil {
			return "", err
		}
		return string(out), nil
	}, nil
}
