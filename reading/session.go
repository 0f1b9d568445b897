// Package reading layers the shared-reading activity (book pages plus
// narrated audio) on top of the turn-taking state, without ever producing
// audio collisions with either party's speech.
package reading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/appu-labs/companion/books"
	"github.com/appu-labs/companion/shared"
	"github.com/appu-labs/companion/turn"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

type BookState int

const (
	BookStateIdle BookState = iota
	BookStatePageLoading
	BookStatePageLoaded
	BookStateAudioReadyToPlay
	BookStateAudioPlaying
	BookStateAudioPaused
	BookStateAudioCompleted
	BookStatePageCompleted
	BookStateError
)

func (s BookState) String() string {
	switch s {
	case BookStateIdle:
		return "IDLE"
	case BookStatePageLoading:
		return "PAGE_LOADING"
	case BookStatePageLoaded:
		return "PAGE_LOADED"
	case BookStateAudioReadyToPlay:
		return "AUDIO_READY_TO_PLAY"
	case BookStateAudioPlaying:
		return "AUDIO_PLAYING"
	case BookStateAudioPaused:
		return "AUDIO_PAUSED"
	case BookStateAudioCompleted:
		return "AUDIO_COMPLETED"
	case BookStatePageCompleted:
		return "PAGE_COMPLETED"
	case BookStateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Player is the narration audio element. The session owns it exclusively;
// the turn machine only ever observes derived signals.
type Player interface {
	Load(url string) error
	Play() error
	Pause() error
	Resume() error
	Stop() error
	Playing() bool
	SetOnEnded(fn func())
}

// Callbacks are supplied by the host. OnPageDisplay feeds the UI collaborator;
// OnReadingMode lets the orchestrator tighten or relax the remote session
// config when a reading session starts or ends.
type Callbacks struct {
	OnPageDisplay func(page *books.Page)
	OnReadingMode func(active bool)
}

const DefaultAdvanceDelay = 3000 * time.Millisecond

const (
	searchApology = "I'm having trouble reaching the library right now. Let's try again in a little while."
	pageApology   = "I couldn't open that page just now. Let's try again in a moment."
)

// Session tracks the selected book, the page cursor and the narration audio
// lifecycle. It subscribes to the turn machine and enforces: narration plays
// only while the conversation is IDLE.
type Session struct {
	logger  shared.LoggerAdapter
	catalog books.Catalog
	player  Player
	machine *turn.Machine
	cbs     Callbacks

	mu           sync.Mutex
	state        BookState
	book         *books.Book
	cursor       int // last displayed page number, 0 when none
	turnState    turn.State
	advance      *shared.Watchdog
	advanceDelay time.Duration
}

func NewSession(
	logger shared.LoggerAdapter,
	catalog books.Catalog,
	player Player,
	machine *turn.Machine,
	cbs Callbacks,
	advanceDelay time.Duration,
) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if catalog == nil {
		return nil, fmt.Errorf("no catalog provided")
	}
	if player == nil {
		return nil, fmt.Errorf("no player provided")
	}
	if machine == nil {
		return nil, fmt.Errorf("no turn machine provided")
	}
	if advanceDelay <= 0 {
		advanceDelay = DefaultAdvanceDelay
	}
	s := &Session{
		logger:       logger,
		catalog:      catalog,
		player:       player,
		machine:      machine,
		cbs:          cbs,
		state:        BookStateIdle,
		turnState:    machine.State(),
		advance:      shared.NewWatchdog(),
		advanceDelay: advanceDelay,
	}
	player.SetOnEnded(s.onAudioEnded)
	machine.Subscribe(s.onTurnState)
	return s, nil
}

func (s *Session) State() BookState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SelectedBook returns a copy of the current book, or nil.
func (s *Session) SelectedBook() *books.Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.book == nil {
		return nil
	}
	b := *s.book
	return &b
}

// CurrentPage returns the last displayed page number, 0 when none.
func (s *Session) CurrentPage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// HandleSearch is the search tool handler. Catalog failures never propagate:
// the remote agent always gets a speakable payload.
func (s *Session) HandleSearch(ctx context.Context, callId string, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", &shared.StateConflictError{Reason: "A search query is required to look for books."}
	}
	results, err := s.catalog.Search(ctx, query)
	if err != nil {
		s.logger.Error("book search failed", err, zap.String("query", query))
		return jsonResult(map[string]any{
			"title":   "Search Failed",
			"message": searchApology,
		}), nil
	}
	if len(results) == 0 {
		s.logger.Info("book search returned no results", zap.String("query", query))
		return jsonResult(map[string]any{
			"title":   "No Books Found",
			"message": fmt.Sprintf("I couldn't find any books matching %q.", query),
		}), nil
	}

	book := results[0]
	s.mu.Lock()
	wasReading := s.book != nil
	s.book = &book
	s.cursor = 0
	s.state = BookStateIdle
	s.mu.Unlock()
	s.logger.Info(
		"book selected",
		zap.String("book_id", book.Id),
		zap.String("title", book.Title),
		zap.Int("pages", book.PageCount),
	)
	if !wasReading && s.cbs.OnReadingMode != nil {
		s.cbs.OnReadingMode(true)
	}
	return jsonResult(map[string]any{
		"title":     book.Title,
		"synopsis":  book.Summary,
		"id":        book.Id,
		"pageCount": book.PageCount,
	}), nil
}

// HandleDisplayPage is the page-display tool handler. Missing book or page
// references are rejected with an explanatory error; nothing is silently
// defaulted.
func (s *Session) HandleDisplayPage(ctx context.Context, callId string, args map[string]any) (string, error) {
	bookId, _ := args["bookId"].(string)
	pageNumber := 0
	if v, ok := args["pageNumber"].(float64); ok {
		pageNumber = int(v)
	}

	s.mu.Lock()
	if bookId == "" {
		if s.book == nil {
			s.mu.Unlock()
			return "", &shared.StateConflictError{
				Reason: "No book is selected. Search for a book first, or pass an explicit bookId.",
			}
		}
		bookId = s.book.Id
	}
	if pageNumber == 0 {
		pageNumber = s.cursor + 1
	}
	totalPages := 0
	if s.book != nil && s.book.Id == bookId {
		totalPages = s.book.PageCount
	}
	s.mu.Unlock()

	if pageNumber < 1 {
		return "", &shared.StateConflictError{
			Reason: fmt.Sprintf("Page number %d is invalid; pages start at 1.", pageNumber),
		}
	}
	if totalPages > 0 && pageNumber > totalPages {
		return "", &shared.StateConflictError{
			Reason: fmt.Sprintf("Page %d does not exist; the book has %d pages.", pageNumber, totalPages),
		}
	}
	return s.display(ctx, bookId, pageNumber)
}

func (s *Session) display(ctx context.Context, bookId string, pageNumber int) (string, error) {
	s.mu.Lock()
	s.player.Stop()
	s.advance.Disarm()
	s.state = BookStatePageLoading
	s.mu.Unlock()

	page, err := s.catalog.FetchPage(ctx, bookId, pageNumber)
	if err != nil {
		s.logger.Error("fetching page failed", err,
			zap.String("book_id", bookId),
			zap.Int("page", pageNumber),
		)
		s.mu.Lock()
		s.state = BookStateError
		s.mu.Unlock()
		return jsonResult(map[string]any{"message": pageApology}), nil
	}

	s.mu.Lock()
	enteredReading := s.book == nil
	if s.book == nil || s.book.Id != bookId {
		// Direct display without a prior search adopts the book.
		s.book = &books.Book{
			Id:        bookId,
			Title:     page.BookTitle,
			PageCount: page.TotalPages,
		}
	}
	s.cursor = page.PageNumber
	s.state = BookStatePageLoaded
	hasAudio := page.AudioUrl != ""
	if hasAudio {
		if err := s.player.Load(page.AudioUrl); err != nil {
			s.logger.Error("loading narration audio", err, zap.String("url", page.AudioUrl))
			hasAudio = false
		}
	}
	if hasAudio {
		s.state = BookStateAudioReadyToPlay
	} else {
		s.state = BookStateIdle
	}
	s.machine.SetNarration(false)
	advanceNow := s.evaluateLocked()
	s.mu.Unlock()

	s.logger.Info(
		"page displayed",
		zap.String("book_id", bookId),
		zap.Int("page", page.PageNumber),
		zap.Int("total_pages", page.TotalPages),
		zap.Bool("narrated", hasAudio),
	)
	if s.cbs.OnPageDisplay != nil {
		s.cbs.OnPageDisplay(page)
	}
	if enteredReading && s.cbs.OnReadingMode != nil {
		s.cbs.OnReadingMode(true)
	}
	if advanceNow {
		go s.autoAdvance()
	}
	return jsonResult(map[string]any{
		"title":      page.BookTitle,
		"pageNumber": page.PageNumber,
		"totalPages": page.TotalPages,
	}), nil
}

// NextPage displays the page after the cursor.
func (s *Session) NextPage(ctx context.Context) error {
	s.mu.Lock()
	if s.book == nil {
		s.mu.Unlock()
		return shared.ErrNoBookSelected
	}
	bookId := s.book.Id
	next := s.cursor + 1
	total := s.book.PageCount
	s.mu.Unlock()
	if total > 0 && next > total {
		return &shared.StateConflictError{Reason: "Already on the last page."}
	}
	_, err := s.display(ctx, bookId, next)
	return err
}

// PreviousPage displays the page before the cursor.
func (s *Session) PreviousPage(ctx context.Context) error {
	s.mu.Lock()
	if s.book == nil {
		s.mu.Unlock()
		return shared.ErrNoBookSelected
	}
	bookId := s.book.Id
	prev := s.cursor - 1
	s.mu.Unlock()
	if prev < 1 {
		return &shared.StateConflictError{Reason: "Already on the first page."}
	}
	_, err := s.display(ctx, bookId, prev)
	return err
}

// Exit clears the selected book and releases the narration audio.
func (s *Session) Exit() {
	s.mu.Lock()
	wasReading := s.book != nil
	s.player.Stop()
	s.advance.Disarm()
	s.book = nil
	s.cursor = 0
	s.state = BookStateIdle
	s.machine.SetNarration(false)
	s.mu.Unlock()
	if wasReading && s.cbs.OnReadingMode != nil {
		s.cbs.OnReadingMode(false)
	}
}

// onTurnState is the monitor tick: it re-evaluates the coupling rules every
// time the conversational state changes.
func (s *Session) onTurnState(st turn.State) {
	s.mu.Lock()
	s.turnState = st
	advanceNow := s.evaluateLocked()
	s.mu.Unlock()
	if advanceNow {
		go s.autoAdvance()
	}
}

// evaluateLocked applies the coupling rules between the turn state and the
// book state. It must hold s.mu. The returned flag asks the caller to
// auto-advance after releasing the lock (page fetches do I/O).
func (s *Session) evaluateLocked() bool {
	switch {
	case (s.turnState == turn.StateAppuSpeaking || s.turnState == turn.StateChildSpeaking) &&
		s.state == BookStateAudioPlaying:
		if err := s.player.Pause(); err != nil {
			s.logger.Error("pausing narration", err)
		}
		s.state = BookStateAudioPaused
		s.machine.SetNarration(false)
		s.logger.Debug("narration paused for speech", zap.String("turn", s.turnState.String()))

	case s.turnState == turn.StateIdle &&
		(s.state == BookStateAudioReadyToPlay || s.state == BookStateAudioPaused) &&
		!s.player.Playing():
		var err error
		if s.state == BookStateAudioReadyToPlay {
			err = s.player.Play()
		} else {
			err = s.player.Resume()
		}
		if err != nil {
			s.logger.Error("starting narration", err)
			s.state = BookStateError
			return false
		}
		s.state = BookStateAudioPlaying
		s.machine.SetNarration(true)
		s.logger.Debug("narration playing", zap.Int("page", s.cursor))

	case s.turnState == turn.StateIdle && s.state == BookStatePageCompleted &&
		s.book != nil && s.cursor < s.book.PageCount:
		return true
	}
	return false
}

func (s *Session) autoAdvance() {
	s.logger.Info("auto-advancing to next page", zap.Int("from", s.CurrentPage()))
	if err := s.NextPage(context.Background()); err != nil {
		s.logger.Error("auto page advance failed", err)
	}
}

// onAudioEnded fires from the player when narration finishes. A short delay
// separates audio completion from page completion so the child gets a
// natural pause before the page turns.
func (s *Session) onAudioEnded() {
	s.mu.Lock()
	if s.state != BookStateAudioPlaying {
		s.mu.Unlock()
		return
	}
	s.state = BookStateAudioCompleted
	s.machine.SetNarration(false)
	s.advance.Arm(s.advanceDelay, s.onAdvanceDelay)
	s.mu.Unlock()
	s.logger.Debug("narration completed", zap.Int("page", s.CurrentPage()))
}

func (s *Session) onAdvanceDelay() {
	s.mu.Lock()
	if s.state != BookStateAudioCompleted {
		s.mu.Unlock()
		return
	}
	s.state = BookStatePageCompleted
	advanceNow := s.evaluateLocked()
	s.mu.Unlock()
	if advanceNow {
		s.autoAdvance()
	}
}

func jsonResult(payload map[string]any) string {
	out, err := sonic.Marshal(payload)
	if err != nil {
		return `{"error":"internal error"}`
	}
	return string(out)
}
