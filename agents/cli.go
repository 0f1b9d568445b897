package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pkg "github.com/appu-labs/companion"
	"github.com/appu-labs/companion/books"
	"github.com/appu-labs/companion/reading"
	"github.com/appu-labs/companion/shared"
	"github.com/appu-labs/companion/tools"
	"github.com/appu-labs/companion/turn"
	"github.com/goccy/go-yaml"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Services carries the endpoints of the external collaborators.
type Services struct {
	RealtimeBaseUrl string `yaml:"realtimeBaseUrl"`
	TokenUrl        string `yaml:"tokenUrl"`
	BooksUrl        string `yaml:"booksUrl"`
	VisionUrl       string `yaml:"visionUrl"`
	ApiKey          string `yaml:"-"`
}

var toolDefs = []map[string]any{
	{
		"type":        "function",
		"name":        "search_books",
		"description": "Search the library for a book by title or topic and pick the best match.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []string{"query"},
		},
	},
	{
		"type":        "function",
		"name":        "display_page",
		"description": "Show a page of the selected book. Omit arguments to turn to the next page.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"bookId":     map[string]any{"type": "string"},
				"pageNumber": map[string]any{"type": "integer"},
			},
		},
	},
	{
		"type":        "function",
		"name":        "analyze_scene",
		"description": "Look through the camera and describe what the child is showing.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"context": map[string]any{"type": "string"},
			},
		},
	},
}

// CLIAgent hosts one companion session on the terminal: microphone in,
// speaker out, book pages narrated as indented text.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	client  *pkg.Client
	machine *turn.Machine
	reading *reading.Session
	mic     *tools.MicSource

	mu sync.Mutex
}

func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	childId string,
	cfg *realtime.RealtimeSessionCreateRequestParam,
	greeting string,
	printer *shared.Printer,
	services Services,
) (<-chan struct{}, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.logger.Info("spawning CLI agent", zap.String("child_id", childId))
	if err := a.printer.Writeln("🤖 Spawning Appu...\n", 0); err != nil {
		a.logger.Error("printing spawning message", err)
	}

	// Credential provider: session service when configured, direct key
	// otherwise.
	var creds pkg.CredentialProvider
	if services.TokenUrl != "" {
		var err error
		creds, err = pkg.NewTokenProvider(a.logger, services.TokenUrl, services.ApiKey)
		if err != nil {
			return nil, err
		}
	} else {
		creds = &pkg.StaticCredentials{Token: services.ApiKey}
	}

	var err error
	a.client, err = pkg.NewClient(ctx, a.logger, creds, childId, services.RealtimeBaseUrl)
	if err != nil {
		a.logger.Error("creating client", err)
		return nil, err
	}
	if err := a.client.SetConfig(cfg); err != nil {
		return nil, err
	}
	a.client.SetGreeting(greeting)
	if err := a.client.SetToolDefs(toolDefs); err != nil {
		return nil, err
	}
	if err := a.printer.Writeln("📋 Session Config\n", 0); err != nil {
		a.logger.Error("printing session config message", err)
	}
	yamlBytes, err := yaml.MarshalWithOptions(cfg, yaml.UseJSONMarshaler())
	if err != nil {
		a.logger.Error("marshaling session config to yaml", err)
		return nil, err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		return nil, err
	}

	// Turn machine: narrate every state change on the terminal.
	a.machine = turn.NewMachine(a.logger, turn.DefaultIdleTimeout)
	a.machine.Subscribe(func(st turn.State) {
		if err := a.printer.Writeln("🔁 "+st.String(), 0); err != nil {
			a.logger.Error("printing turn state", err)
		}
	})

	dispatcher, err := pkg.NewDispatcher(a.logger, a.client)
	if err != nil {
		return nil, err
	}

	// Reading session over the book catalog and the narration player.
	catalog, err := books.NewHTTPCatalog(a.logger, services.BooksUrl, services.ApiKey)
	if err != nil {
		return nil, err
	}
	player, err := tools.NewNarrationPlayer(a.logger)
	if err != nil {
		return nil, err
	}
	a.reading, err = reading.NewSession(a.logger, catalog, player, a.machine, reading.Callbacks{
		OnPageDisplay: func(page *books.Page) {
			text := fmt.Sprintf("📖 %s — page %d/%d\n%s", page.BookTitle, page.PageNumber, page.TotalPages, page.Text)
			if err := a.printer.Writeln(text, 1); err != nil {
				a.logger.Error("printing page", err)
			}
		},
		OnReadingMode: func(active bool) {
			if err := a.client.SetReadingMode(active); err != nil {
				a.logger.Error("updating reading mode", err)
			}
		},
	}, reading.DefaultAdvanceDelay)
	if err != nil {
		return nil, err
	}
	if err := dispatcher.Register("search_books", a.reading.HandleSearch); err != nil {
		return nil, err
	}
	if err := dispatcher.Register("display_page", a.reading.HandleDisplayPage); err != nil {
		return nil, err
	}

	// Vision tool borrows the camera per call.
	if services.VisionUrl != "" {
		visionClient, err := tools.NewVisionClient(a.logger, services.VisionUrl, services.ApiKey)
		if err != nil {
			return nil, err
		}
		visionHandler, err := pkg.NewVisionHandler(a.logger, visionClient, func(ctx context.Context) (string, error) {
			return tools.CaptureFrame(ctx, a.logger)
		})
		if err != nil {
			return nil, err
		}
		if err := dispatcher.Register("analyze_scene", visionHandler); err != nil {
			return nil, err
		}
	}

	if err := a.client.Bind(a.machine, dispatcher); err != nil {
		return nil, err
	}
	a.client.RegisterErrorHandler(func(callId, message string) {
		if err := a.printer.Writeln("⚠️  Something went wrong: "+message, 0); err != nil {
			a.logger.Error("printing error message", err)
		}
	})

	// Microphone in, speaker out.
	if err := a.printer.Writeln("\n🎤 Accessing microphone...", 0); err != nil {
		a.logger.Error("printing microphone access message", err)
	}
	a.mic, err = tools.NewMicSource(a.logger)
	if err != nil {
		return nil, err
	}
	if err := a.client.SetMediaSource(a.mic); err != nil {
		return nil, err
	}
	err = a.client.RegisterTrackRemoteHandler(func(track *webrtc.TrackRemote) {
		a.logger.Info(
			"received remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		tools.PlayRemoteAudio(ctx, a.logger, track, 100, 4)
	})
	if err != nil {
		return nil, err
	}
	err = a.client.RegisterTrackLocalHandler(func(local *webrtc.TrackLocalStaticSample, mic mediadevices.Track) {
		tools.StreamLocalAudio(ctx, a.logger, local, mic, a.mic.FrameDuration())
	})
	if err != nil {
		return nil, err
	}

	if err := a.printer.Writeln("📞 Connecting...", 0); err != nil {
		a.logger.Error("printing connecting message", err)
	}
	start := time.Now()
	if err := a.client.Connect(ctx); err != nil {
		a.logger.Error("connecting session", err)
		if err := a.printer.Writeln("❌ Could not connect. Please check your network and credentials.\n", 0); err != nil {
			a.logger.Error("printing connect failure message", err)
		}
		return nil, err
	}
	a.logger.Info("session up", zap.Duration("connect_time", time.Since(start)))
	if err := a.printer.Writeln("✅ Connected. Say hi!\n", 0); err != nil {
		a.logger.Error("printing connected message", err)
	}
	return a.client.Done(), nil
}

func (a *CLIAgent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.client.Done()
}

func (a *CLIAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reading != nil {
		a.reading.Exit()
	}
	if a.client != nil {
		a.client.Disconnect()
	}
	return nil
}
