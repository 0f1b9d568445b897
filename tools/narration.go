package tools

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/appu-labs/companion/shared"
	"github.com/ebitengine/oto/v3"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// NarrationPlayer fetches a page's narration (16-bit PCM WAV by URL) and
// plays it on the default output device. It implements reading.Player; the
// reading session owns it exclusively.
type NarrationPlayer struct {
	logger shared.LoggerAdapter

	mu       sync.Mutex
	otoCtx   *oto.Context
	player   *oto.Player
	pcm      []byte
	rate     int
	channels int
	paused   bool
	onEnded  func()
	watchGen uint64
}

func NewNarrationPlayer(logger shared.LoggerAdapter) (*NarrationPlayer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &NarrationPlayer{logger: logger}, nil
}

func (n *NarrationPlayer) SetOnEnded(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onEnded = fn
}

// Load fetches and decodes the narration. Any previous narration stops.
func (n *NarrationPlayer) Load(url string) error {
	body, err := fetch(url)
	if err != nil {
		return fmt.Errorf("fetching narration: %w", err)
	}
	pcm, rate, channels, err := parseWAV(body)
	if err != nil {
		return fmt.Errorf("decoding narration: %w", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopLocked()
	n.pcm = pcm
	n.rate = rate
	n.channels = channels
	n.logger.Debug(
		"narration loaded",
		zap.String("url", url),
		zap.Int("rate", rate),
		zap.Int("channels", channels),
		zap.Int("bytes", len(pcm)),
	)
	return nil
}

func (n *NarrationPlayer) Play() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pcm == nil {
		return errors.New("no narration loaded")
	}
	if n.otoCtx == nil {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   n.rate,
			ChannelCount: n.channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			return fmt.Errorf("creating oto context: %w", err)
		}
		<-ready
		n.otoCtx = ctx
	}
	n.player = n.otoCtx.NewPlayer(bytes.NewReader(n.pcm))
	n.player.Play()
	n.paused = false
	n.watch()
	return nil
}

func (n *NarrationPlayer) Pause() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.player == nil {
		return shared.ErrNotConnected
	}
	n.player.Pause()
	n.paused = true
	return nil
}

func (n *NarrationPlayer) Resume() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.player == nil {
		return errors.New("no narration started")
	}
	n.player.Play()
	n.paused = false
	n.watch()
	return nil
}

func (n *NarrationPlayer) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopLocked()
	return nil
}

func (n *NarrationPlayer) stopLocked() {
	n.watchGen++
	if n.player != nil {
		_ = n.player.Close()
		n.player = nil
	}
	n.paused = false
	n.pcm = nil
}

func (n *NarrationPlayer) Playing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.player != nil && n.player.IsPlaying()
}

// watch polls for drain, since oto has no completion callback. Holding n.mu.
func (n *NarrationPlayer) watch() {
	n.watchGen++
	gen := n.watchGen
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			n.mu.Lock()
			if n.watchGen != gen || n.player == nil {
				n.mu.Unlock()
				return
			}
			if n.paused {
				n.mu.Unlock()
				continue
			}
			if !n.player.IsPlaying() {
				fn := n.onEnded
				_ = n.player.Close()
				n.player = nil
				n.mu.Unlock()
				if fn != nil {
					fn()
				}
				return
			}
			n.mu.Unlock()
		}
	}()
}

func fetch(uri string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodGet)
	if err := fasthttp.Do(req, resp); err != nil {
		return nil, err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}
	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, nil
}

// parseWAV pulls 16-bit PCM out of a canonical RIFF/WAVE container.
func parseWAV(data []byte) (pcm []byte, rate, channels int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, errors.New("not a RIFF/WAVE file")
	}
	off := 12
	var haveFmt bool
	for off+8 <= len(data) {
		chunkId := string(data[off : off+4])
		chunkLen := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if off+chunkLen > len(data) {
			return nil, 0, 0, errors.New("truncated chunk")
		}
		switch chunkId {
		case "fmt ":
			if chunkLen < 16 {
				return nil, 0, 0, errors.New("short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[off : off+2])
			if format != 1 {
				return nil, 0, 0, fmt.Errorf("unsupported audio format %d, want PCM", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[off+2 : off+4]))
			rate = int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
			bits := binary.LittleEndian.Uint16(data[off+14 : off+16])
			if bits != 16 {
				return nil, 0, 0, fmt.Errorf("unsupported bit depth %d, want 16", bits)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, 0, errors.New("data chunk before fmt chunk")
			}
			return data[off : off+chunkLen], rate, channels, nil
		}
		// Chunks are word-aligned.
		off += chunkLen + chunkLen%2
	}
	return nil, 0, 0, errors.New("no data chunk found")
}
