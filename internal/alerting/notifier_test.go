package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-rate-alerts/internal/funding"
	"funding-rate-alerts/internal/telegram"
)

func sampleEvent() funding.AlertEvent {
	return funding.AlertEvent{
		ID:              "0b7e4c1a-6c1f-4b5e-8f71-2f0c9b1d4e21",
		Symbol:          "BTCUSDT",
		Kind:            funding.KindBiasFlip,
		PreviousRate:    decimal.RequireFromString("0.0050"),
		NewRate:         decimal.RequireFromString("-0.0120"),
		BiasDescription: funding.Negative.Description(),
		IntervalHours:   8,
		SettledAt:       time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]any)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	client := telegram.NewClient("token", srv.URL, time.Second, testLogger())
	notifier := NewTelegramNotifier(client, "chat", 12, time.UTC, testLogger())

	if err := notifier.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if received["message_thread_id"] != float64(12) {
		t.Fatalf("message_thread_id 不正确: %#v", received)
	}
	text, _ := received["text"].(string)
	if !strings.Contains(text, "FUNDING RATE FLIP") || !strings.Contains(text, "BTCUSDT") {
		t.Fatalf("text 内容不正确: %s", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	client := telegram.NewClient("token", srv.URL, time.Second, testLogger())
	notifier := NewTelegramNotifier(client, "chat", 0, nil, testLogger())

	if err := notifier.Notify(context.Background(), sampleEvent()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
