package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestSendMessageSuccess(t *testing.T) {
	received := make(map[string]any)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{}})
	}))
	defer srv.Close()

	client := NewClient("token", srv.URL, time.Second, testLogger())
	err := client.SendMessage(context.Background(), Message{ChatID: "-100", ThreadID: 7, Text: "<b>hi</b>", ParseMode: ParseModeHTML})
	if err != nil {
		t.Fatalf("SendMessage 应成功: %v", err)
	}

	if received["chat_id"] != "-100" || received["parse_mode"] != "HTML" {
		t.Fatalf("请求体不正确: %#v", received)
	}
	if received["message_thread_id"] != float64(7) {
		t.Fatalf("message_thread_id 不正确: %#v", received["message_thread_id"])
	}
}

func TestSendMessageOmitsZeroThread(t *testing.T) {
	received := make(map[string]any)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	client := NewClient("token", srv.URL, time.Second, testLogger())
	if err := client.SendMessage(context.Background(), Message{ChatID: "1", Text: "x"}); err != nil {
		t.Fatalf("SendMessage 应成功: %v", err)
	}
	if _, ok := received["message_thread_id"]; ok {
		t.Fatal("未配置话题时不应发送 message_thread_id")
	}
}

func TestSendMessageErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"ok false": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 400, "description": "chat not found"})
		},
		"http 500": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"http 403 with body": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "bot was kicked"})
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			client := NewClient("token", srv.URL, time.Second, testLogger())
			if err := client.SendMessage(context.Background(), Message{ChatID: "1", Text: "x"}); err == nil {
				t.Fatal("应返回错误")
			}
		})
	}
}

func TestSendMessageAPIErrorType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 429, "description": "Too Many Requests"})
	}))
	defer srv.Close()

	err := NewClient("token", srv.URL, time.Second, testLogger()).SendMessage(context.Background(), Message{ChatID: "1", Text: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 429 {
		t.Fatalf("应返回 APIError, 实际 %v", err)
	}
}

func TestGetUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") != "42" || r.URL.Query().Get("timeout") != "2" {
			t.Fatalf("查询参数不正确: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": []map[string]any{
				{"update_id": 42, "message": map[string]any{
					"message_id":        1,
					"message_thread_id": 9,
					"chat":              map[string]any{"id": -100, "type": "supergroup"},
					"text":              "/funding btc",
				}},
				{"update_id": 43},
			},
		})
	}))
	defer srv.Close()

	updates, err := NewClient("token", srv.URL, 5*time.Second, testLogger()).GetUpdates(context.Background(), 42, 2*time.Second)
	if err != nil {
		t.Fatalf("GetUpdates 应成功: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("期望 2 个 update, 实际 %d", len(updates))
	}
	msg := updates[0].Message
	if msg == nil || msg.Text != "/funding btc" || msg.ThreadID != 9 || msg.Chat.IsPrivate() {
		t.Fatalf("消息解析错误: %+v", msg)
	}
	if updates[1].Message != nil {
		t.Fatal("无消息的 update 应为 nil")
	}
}
