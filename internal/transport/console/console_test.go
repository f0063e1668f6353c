package console

import (
	"bytes"
	"context"
	"strings"
	"testing"

	kit "weeknotify/internal/transport"
	logx "weeknotify/pkg/logx"
)

func TestSendTextLogs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	a := New(logx.NewJSON(&buf, "info"))

	ref, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 5}, "hello", nil)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ref.MessageID != 1 || ref.ChatID != 5 {
		t.Fatalf("ref = %+v", ref)
	}
	if !strings.Contains(buf.String(), `"text":"hello"`) {
		t.Fatalf("log output %q", buf.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.SendText(ctx, kit.ChatTarget{}, "x", nil); err == nil {
		t.Fatal("cancelled context should fail")
	}
}
