package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recordingSender struct {
	mu       sync.Mutex
	name     string
	err      error
	messages []string
}

func (r *recordingSender) Send(_ context.Context, severity Severity, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, string(severity)+":"+title)
	return nil
}

func (r *recordingSender) Name() string {
	return r.name
}

func TestNotifyFanOut(t *testing.T) {
	a := &recordingSender{name: "a"}
	b := &recordingSender{name: "b"}
	n := NewNotifier([]Sender{a, b}, nil)

	n.Notify(context.Background(), SeverityCritical, "标题", "正文")

	if len(a.messages) != 1 || len(b.messages) != 1 {
		t.Fatalf("每个通道都应收到消息: a=%d b=%d", len(a.messages), len(b.messages))
	}
	if a.messages[0] != "critical:标题" {
		t.Fatalf("消息内容不符: %s", a.messages[0])
	}
}

func TestNotifySwallowsChannelFailure(t *testing.T) {
	broken := &recordingSender{name: "broken", err: errors.New("通道不可用")}
	healthy := &recordingSender{name: "healthy"}
	n := NewNotifier([]Sender{broken, healthy}, nil)

	// 单通道失败不影响其余通道，也不向调用方冒泡
	n.Notify(context.Background(), SeverityWarning, "标题", "正文")

	if len(healthy.messages) != 1 {
		t.Fatalf("健康通道应收到消息, 实际 %d", len(healthy.messages))
	}
}

func TestChannels(t *testing.T) {
	n := NewNotifier([]Sender{&recordingSender{name: "a"}}, nil)
	if n.Channels() != 1 {
		t.Fatalf("Channels() = %d, 期望 1", n.Channels())
	}
}
