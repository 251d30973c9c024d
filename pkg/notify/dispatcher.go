// Package notify defines the notification dispatcher capability consumed by
// the workflow engine and the batch scheduler, plus the user-visible message
// texts built on top of it.
//
// The concrete delivery channel (chat bot, email, push) lives behind the
// Dispatcher interface; this package ships a webhook-backed implementation
// and an in-memory recorder for tests.
package notify

import (
	"context"
	"fmt"
	"sync"
)

// MessageRef is an opaque reference to a previously sent message, usable
// with EditMessage.
type MessageRef string

// Choice is one interactive option attached to a message.
type Choice struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Dispatcher sends messages to owners and edits previously sent messages in
// place.
type Dispatcher interface {
	// SendWithChoices sends text with optional interactive choices and
	// returns a reference to the sent message.
	SendWithChoices(ctx context.Context, ownerID, text string, choices []Choice) (MessageRef, error)

	// EditMessage replaces the text of a previously sent message.
	EditMessage(ctx context.Context, ownerID string, ref MessageRef, newText string) error
}

// SentMessage is one message recorded by the Recorder.
type SentMessage struct {
	OwnerID string
	Text    string
	Choices []Choice
	Ref     MessageRef
}

// EditedMessage is one edit recorded by the Recorder.
type EditedMessage struct {
	OwnerID string
	Ref     MessageRef
	NewText string
}

// Recorder is an in-memory Dispatcher for tests. It records every send and
// edit and can be told to fail specific owners.
type Recorder struct {
	mu     sync.Mutex
	seq    int
	Sent   []SentMessage
	Edited []EditedMessage

	// FailOwners maps owner ids to the error returned for their sends.
	FailOwners map[string]error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// SendWithChoices records the send and returns a synthetic message ref.
func (r *Recorder) SendWithChoices(ctx context.Context, ownerID, text string, choices []Choice) (MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err, ok := r.FailOwners[ownerID]; ok {
		return "", err
	}

	r.seq++
	ref := MessageRef(fmt.Sprintf("msg-%d", r.seq))
	r.Sent = append(r.Sent, SentMessage{OwnerID: ownerID, Text: text, Choices: choices, Ref: ref})
	return ref, nil
}

// EditMessage records the edit.
func (r *Recorder) EditMessage(ctx context.Context, ownerID string, ref MessageRef, newText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err, ok := r.FailOwners[ownerID]; ok {
		return err
	}

	r.Edited = append(r.Edited, EditedMessage{OwnerID: ownerID, Ref: ref, NewText: newText})
	return nil
}

// SentTo returns the messages sent to one owner.
func (r *Recorder) SentTo(ownerID string) []SentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []SentMessage
	for _, m := range r.Sent {
		if m.OwnerID == ownerID {
			out = append(out, m)
		}
	}
	return out
}

// Verify interface compliance
var _ Dispatcher = (*Recorder)(nil)
