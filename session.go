package companion

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// ConversationSession is the record for one connected call. It is owned
// exclusively by the Client: created on connect, destroyed on disconnect or
// terminal failure.
type ConversationSession struct {
	Id        string
	ChildId   string
	CreatedAt time.Time

	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	retryCount int
	lastErr    error

	mu sync.Mutex
}

func NewConversationSession(childId string) *ConversationSession {
	return &ConversationSession{
		Id:        uuid.NewString(),
		ChildId:   childId,
		CreatedAt: time.Now(),
	}
}

func (s *ConversationSession) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

func (s *ConversationSession) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *ConversationSession) recordAttempt(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount++
	s.lastErr = err
}
