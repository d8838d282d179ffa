package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"tiletalk.app/tiletalk/internal/feed"
	"tiletalk.app/tiletalk/internal/store"
)

// MessageFeed is one session's access to conversation threads.
type MessageFeed interface {
	Subscribe(ctx context.Context, threadID string) (*feed.Subscription[[]store.Message], error)
	Send(ctx context.Context, threadID, text string) (store.Message, error)
}

// ConversationView is what the thread screen renders. LatestID is the
// message the list should be scrolled to.
type ConversationView struct {
	ThreadID string          `json:"threadId"`
	Status   Status          `json:"status"`
	Messages []store.Message `json:"messages"`
	Input    string          `json:"input"`
	LatestID string          `json:"latestId,omitempty"`
}

// ConversationViewModel owns the message list and input buffer of one thread.
type ConversationViewModel struct {
	feed     MessageFeed
	threadID string

	emitMu   sync.Mutex
	listener func(ConversationView)

	mu       sync.Mutex
	closed   bool
	status   Status
	messages []store.Message
	input    string
	sub      *feed.Subscription[[]store.Message]
	done     chan struct{}
}

// NewConversationViewModel builds a view-model for threadID. listener may be
// nil; it must not call Close.
func NewConversationViewModel(f MessageFeed, threadID string, listener func(ConversationView)) *ConversationViewModel {
	return &ConversationViewModel{
		feed:     f,
		threadID: threadID,
		listener: listener,
		status:   StatusLoading,
		messages: []store.Message{},
		done:     make(chan struct{}),
	}
}

func (vm *ConversationViewModel) Start(ctx context.Context) error {
	sub, err := vm.feed.Subscribe(ctx, vm.threadID)
	if err != nil {
		vm.mu.Lock()
		if errors.Is(err, store.ErrUnauthenticated) {
			vm.status = StatusSignedOut
		}
		vm.mu.Unlock()
		close(vm.done)
		vm.emit()
		return fmt.Errorf("subscribe to thread %s: %w", vm.threadID, err)
	}

	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		sub.Cancel()
		close(vm.done)
		return ErrViewClosed
	}
	vm.sub = sub
	vm.mu.Unlock()

	go vm.pump(ctx, sub)
	return nil
}

func (vm *ConversationViewModel) pump(ctx context.Context, sub *feed.Subscription[[]store.Message]) {
	defer close(vm.done)
	for {
		messages, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, feed.ErrClosed) && !errors.Is(err, context.Canceled) {
				log.Printf("[conversation] feed for %s stopped: %v", vm.threadID, err)
			}
			return
		}

		vm.mu.Lock()
		if vm.closed {
			vm.mu.Unlock()
			return
		}
		vm.messages = messages
		vm.status = StatusLive
		vm.mu.Unlock()
		vm.emit()
	}
}

func (vm *ConversationViewModel) ThreadID() string {
	return vm.threadID
}

func (vm *ConversationViewModel) View() ConversationView {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.viewLocked()
}

func (vm *ConversationViewModel) viewLocked() ConversationView {
	view := ConversationView{
		ThreadID: vm.threadID,
		Status:   vm.status,
		Messages: append([]store.Message(nil), vm.messages...),
		Input:    vm.input,
	}
	if n := len(vm.messages); n > 0 {
		view.LatestID = vm.messages[n-1].ID
	}
	return view
}

func (vm *ConversationViewModel) emit() {
	vm.emitMu.Lock()
	defer vm.emitMu.Unlock()

	vm.mu.Lock()
	if vm.closed || vm.listener == nil {
		vm.mu.Unlock()
		return
	}
	view := vm.viewLocked()
	vm.mu.Unlock()

	vm.listener(view)
}

// SetInput replaces the input buffer.
func (vm *ConversationViewModel) SetInput(text string) {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return
	}
	vm.input = text
	vm.mu.Unlock()
	vm.emit()
}

// Send posts the input buffer and clears it. Blank input is ignored. If the
// store rejects the message the input is put back.
func (vm *ConversationViewModel) Send(ctx context.Context) error {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return ErrViewClosed
	}
	text := vm.input
	if strings.TrimSpace(text) == "" {
		vm.mu.Unlock()
		return nil
	}
	vm.input = ""
	vm.mu.Unlock()
	vm.emit()

	if _, err := vm.feed.Send(ctx, vm.threadID, text); err != nil {
		vm.mu.Lock()
		if !vm.closed && vm.input == "" {
			vm.input = text
		}
		vm.mu.Unlock()
		vm.emit()
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (vm *ConversationViewModel) Close() {
	vm.emitMu.Lock()
	defer vm.emitMu.Unlock()

	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return
	}
	vm.closed = true
	sub := vm.sub
	vm.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

// Done is closed once the feed pump has exited.
func (vm *ConversationViewModel) Done() <-chan struct{} {
	return vm.done
}
