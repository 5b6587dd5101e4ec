package channel

import (
	"context"
	"sync"

	"github.com/slok/codeclaw/internal/model"
)

// Channel posts the messages produced by the runs to their threads.
type Channel interface {
	PostMessage(ctx context.Context, msg model.ChatMessage) error
	PostReview(ctx context.Context, review model.Review) error
}

//go:generate mockery --case underscore --output channelmock --outpkg channelmock --name Channel

// Recorder is a Channel that keeps the posted messages in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []model.ChatMessage
	reviews  []model.Review
}

// PostMessage satisfies Channel.
func (r *Recorder) PostMessage(ctx context.Context, msg model.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

// PostReview satisfies Channel.
func (r *Recorder) PostReview(ctx context.Context, review model.Review) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reviews = append(r.reviews, review)
	return nil
}

// Messages returns the posted messages in order.
func (r *Recorder) Messages() []model.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ChatMessage{}, r.messages...)
}

// Reviews returns the posted reviews in order.
func (r *Recorder) Reviews() []model.Review {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Review{}, r.reviews...)
}
