package session

import (
	"sync"
	"time"
)

// NoticeKind names a condition surfaced to the candidate's UI.
type NoticeKind string

const (
	NoticePhase               NoticeKind = "phase"
	NoticeTranscript          NoticeKind = "transcript"
	NoticeAvatarMessage       NoticeKind = "avatar_message"
	NoticeAvatarReady         NoticeKind = "avatar_ready"
	NoticeAvatarDisconnected  NoticeKind = "avatar_disconnected"
	NoticeRecognitionDisabled NoticeKind = "recognition_disabled"
	NoticeRecognitionResumed  NoticeKind = "recognition_resumed"
	NoticeFatal               NoticeKind = "fatal"
	NoticeVideoDegraded       NoticeKind = "video_degraded"
	NoticeRecordingFailed     NoticeKind = "recording_failed"
	NoticeRetryAvailable      NoticeKind = "retry_available"
	NoticeComplete            NoticeKind = "interview_complete"
	NoticeUploaded            NoticeKind = "uploaded"
	NoticeEnded               NoticeKind = "ended"
)

// Notice is one UI-facing event. Persistent notices stay on screen until
// the user acts on them.
type Notice struct {
	Kind        NoticeKind `json:"kind"`
	InterviewID string     `json:"interview_id"`
	At          time.Time  `json:"at"`
	Phase       string     `json:"phase,omitempty"`
	Text        string     `json:"text,omitempty"`
	Final       bool       `json:"final,omitempty"`
	Persistent  bool       `json:"persistent,omitempty"`
	Error       string     `json:"error,omitempty"`
	Report      *Report    `json:"report,omitempty"`
}

// Notifier receives notices. Notify must not block.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Broadcaster fans notices out to subscribers. Persistent notices are
// replayed to late subscribers. Slow subscribers lose notices rather than
// stall the session.
type Broadcaster struct {
	mu         sync.Mutex
	subs       map[int]chan Notice
	next       int
	persistent []Notice
	closed     bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[int]chan Notice{}}
}

// Notify implements Notifier.
func (b *Broadcaster) Notify(n Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if n.Persistent {
		b.persistent = append(b.persistent, n)
	}
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribe returns a notice channel and a cancel func. The channel is
// closed on cancel or when the broadcaster closes. Subscribing to a closed
// broadcaster still replays the persistent notices.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Notice, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if floor := len(b.persistent) + 16; buffer < floor {
		buffer = floor
	}
	ch := make(chan Notice, buffer)
	for _, n := range b.persistent {
		ch <- n
	}
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
