// Package notify はセッション変更通知の配信を提供する。
// 通知はライフサイクルマネージャーの照合（再解決）を起動するためだけに使われ、
// 通知自体は状態を運ばない。
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind は通知の種類。
type Kind string

const (
	// SessionStarted はクレデンシャルセッションが開始されたことを示す。
	SessionStarted Kind = "session_started"
	// SessionEnded はクレデンシャルセッションが破棄されたことを示す。
	SessionEnded Kind = "session_ended"
	// UserChanged はアカウントまたはUserRecordが更新されたことを示す。
	UserChanged Kind = "user_changed"
)

// Event はセッション変更通知。
// SessionIDが空の場合はUserIDの全セッションが対象となる。
type Event struct {
	Kind      Kind      `json:"kind"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher は通知の送信側インターフェース。
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber は通知の受信側インターフェース。
// 返されるチャネルはctxの終了時にクローズされる。
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// Bus はPublisherとSubscriberを兼ねる。
type Bus interface {
	Publisher
	Subscriber
}

const subscriberBuffer = 64

// LocalBus はプロセス内で通知を配信するBus。
// Redisを使わない単一プロセス構成とテストで使用する。
type LocalBus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// NewLocalBus はLocalBusを生成する。
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]chan Event)}
}

// Publish は全購読者へ通知を配信する。
// 購読者のバッファが満杯の場合、その購読者への通知は破棄する。
func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("通知バッファが満杯のため破棄しました",
				slog.Int("subscriber", id),
				slog.String("kind", string(ev.Kind)),
			)
		}
	}
	return nil
}

// Subscribe は購読を開始する。
func (b *LocalBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch, nil
}

// compile-time interface check
var _ Bus = (*LocalBus)(nil)
