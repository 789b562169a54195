package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
	"github.com/nagriksetu/nagriksetu/pkg/provider/live"
	"github.com/nagriksetu/nagriksetu/pkg/provider/live/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func nextEvent(t *testing.T, ch live.Channel) live.Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return live.Event{}
}

type sessionUpdate struct {
	Type    string `json:"type"`
	Session struct {
		Voice                   string `json:"voice"`
		Instructions            string `json:"instructions"`
		InputAudioFormat        string `json:"input_audio_format"`
		OutputAudioFormat       string `json:"output_audio_format"`
		InputAudioTranscription *struct {
			Model string `json:"model"`
		} `json:"input_audio_transcription"`
		TurnDetection *struct {
			Type string `json:"type"`
		} `json:"turn_detection"`
	} `json:"session"`
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestFormat(t *testing.T) {
	t.Parallel()
	f := openai.New("key").Format()
	if f.InputRate != 24000 || f.OutputRate != 24000 {
		t.Errorf("Format = %+v, want 24000/24000", f)
	}
}

func TestOpen_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type dial struct {
		auth, beta, model string
	}
	dials := make(chan dial, 1)
	updates := make(chan sessionUpdate, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		dials <- dial{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		var msg sessionUpdate
		readJSON(t, conn, &msg)
		updates <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)), openai.WithModel("gpt-realtime"))
	ch, err := p.Open(context.Background(), live.Config{
		SystemPrompt: "Explain the constitution simply.",
		Voice:        "sage",
		Transcribe:   true,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	d := <-dials
	if d.auth != "Bearer sk-test" || d.beta != "realtime=v1" || d.model != "gpt-realtime" {
		t.Errorf("dial = %+v", d)
	}

	select {
	case msg := <-updates:
		if msg.Type != "session.update" {
			t.Errorf("type = %q", msg.Type)
		}
		s := msg.Session
		if s.Voice != "sage" || s.Instructions != "Explain the constitution simply." {
			t.Errorf("session = %+v", s)
		}
		if s.InputAudioFormat != "pcm16" || s.OutputAudioFormat != "pcm16" {
			t.Errorf("audio formats = %q/%q, want pcm16", s.InputAudioFormat, s.OutputAudioFormat)
		}
		if s.InputAudioTranscription == nil || s.InputAudioTranscription.Model != "whisper-1" {
			t.Errorf("input_audio_transcription = %+v", s.InputAudioTranscription)
		}
		if s.TurnDetection == nil || s.TurnDetection.Type != "server_vad" {
			t.Errorf("turn_detection = %+v", s.TurnDetection)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestEvents_Translation(t *testing.T) {
	t.Parallel()

	audio := pcm.EncodeBytesToText([]byte{0, 1, 0, 2})
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update sessionUpdate
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		writeJSON(t, conn, map[string]any{"type": "session.updated"}) // not re-emitted
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "Who wrote it?"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": audio})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Dr. Ambedkar"})
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"message": "ignored"}})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Open(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	want := []live.EventKind{
		live.EventOpened,
		live.EventTranscript,
		live.EventAudio,
		live.EventTranscript,
		live.EventTurnComplete,
	}
	var got []live.Event
	for range want {
		got = append(got, nextEvent(t, ch))
	}
	for i, k := range want {
		if got[i].Kind != k {
			t.Errorf("event %d = %v, want %v", i, got[i].Kind, k)
		}
	}
	if got[1].Role != live.RoleUser || got[1].Text != "Who wrote it?" {
		t.Errorf("user transcript = %+v", got[1])
	}
	if got[2].Audio.Data != audio || got[2].Audio.MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("audio = %+v", got[2].Audio)
	}
	if got[3].Role != live.RoleModel || got[3].Text != "Dr. Ambedkar" {
		t.Errorf("model transcript = %+v", got[3])
	}
}

func TestEvents_SpeechStartedInterruptsAndCancels(t *testing.T) {
	t.Parallel()

	cancels := make(chan string, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update sessionUpdate
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		var msg struct {
			Type string `json:"type"`
		}
		readJSON(t, conn, &msg)
		cancels <- msg.Type
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Open(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	nextEvent(t, ch) // opened
	if ev := nextEvent(t, ch); ev.Kind != live.EventInterrupted {
		t.Fatalf("event = %v, want interrupted", ev.Kind)
	}
	select {
	case typ := <-cancels:
		if typ != "response.cancel" {
			t.Errorf("client sent %q, want response.cancel", typ)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.cancel")
	}
}

func TestSend_AppendsAudio(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	appends := make(chan appendMsg, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update sessionUpdate
		readJSON(t, conn, &update)
		var msg appendMsg
		readJSON(t, conn, &msg)
		appends <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Open(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	chunk := pcm.EncodeChunk([]float32{0.25, -0.25}, 1, 24000)
	if err := ch.Send(context.Background(), chunk); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case msg := <-appends:
		if msg.Type != "input_audio_buffer.append" || msg.Audio != chunk.Data {
			t.Errorf("append = %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for input_audio_buffer.append")
	}
}

func TestEvents_RemoteClose(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update sessionUpdate
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	ch, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Open(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	nextEvent(t, ch) // opened
	if ev := nextEvent(t, ch); ev.Kind != live.EventClosed {
		t.Fatalf("event = %v, want closed", ev.Kind)
	}
}
