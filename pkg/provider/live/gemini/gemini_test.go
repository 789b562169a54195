package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
	"github.com/nagriksetu/nagriksetu/pkg/provider/live"
	"github.com/nagriksetu/nagriksetu/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
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

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// nextEvent waits for the next event or fails the test.
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

// ── Options ────────────────────────────────────────────────────────────────────

func TestFormat(t *testing.T) {
	t.Parallel()
	f := gemini.New("key").Format()
	if f.InputRate != 16000 || f.OutputRate != 24000 {
		t.Errorf("Format = %+v, want 16000 in / 24000 out", f)
	}
}

func TestWithModel_SetsModel(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	ch, err := p.Open(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	select {
	case model := <-modelCh:
		if want := "models/custom-model"; model != want {
			t.Errorf("model = %q; want %q", model, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for model in setup message")
	}
}

// ── Setup ──────────────────────────────────────────────────────────────────────

func TestOpen_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	keys := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keys <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := newProvider(srv).Open(context.Background(), live.Config{
		SystemPrompt: "You are a civic education assistant.",
		Voice:        "Puck",
		Transcribe:   true,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	if key := <-keys; key != "test-api-key" {
		t.Errorf("key query = %q, want test-api-key", key)
	}

	select {
	case msg := <-received:
		gc := msg.Setup.GenerationConfig
		if len(gc.ResponseModalities) != 1 || gc.ResponseModalities[0] != "AUDIO" {
			t.Errorf("responseModalities = %v, want [AUDIO]", gc.ResponseModalities)
		}
		if v := gc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Puck" {
			t.Errorf("voice = %q, want Puck", v)
		}
		if msg.Setup.SystemInstruction == nil || msg.Setup.SystemInstruction.Parts[0].Text != "You are a civic education assistant." {
			t.Errorf("systemInstruction = %+v", msg.Setup.SystemInstruction)
		}
		if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
			t.Error("transcription not requested in setup")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup")
	}
}

func TestOpen_DefaultVoice(t *testing.T) {
	t.Parallel()

	voices := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				GenerationConfig struct {
					SpeechConfig struct {
						VoiceConfig struct {
							PrebuiltVoiceConfig struct {
								VoiceName string `json:"voiceName"`
							} `json:"prebuiltVoiceConfig"`
						} `json:"voiceConfig"`
					} `json:"speechConfig"`
				} `json:"generationConfig"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		voices <- msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)), gemini.WithDefaultVoice("Aoede"))
	ch, err := p.Open(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	if v := <-voices; v != "Aoede" {
		t.Errorf("voice = %q, want Aoede", v)
	}
}

func TestOpen_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	if _, err := newProvider(srv).Open(context.Background(), live.Config{}); err == nil {
		t.Fatal("Open against a non-websocket endpoint succeeded")
	}
}

// ── Events ─────────────────────────────────────────────────────────────────────

func TestEvents_OpenedAudioTranscriptTurnComplete(t *testing.T) {
	t.Parallel()

	audio := pcm.EncodeBytesToText([]byte{1, 0, 2, 0})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "What is Article 21?"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{
						map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": audio}},
					},
				},
				"outputTranscription": map[string]any{"text": "It protects life"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := newProvider(srv).Open(context.Background(), live.Config{Transcribe: true})
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
	if got[1].Role != live.RoleUser || got[1].Text != "What is Article 21?" {
		t.Errorf("user transcript = %+v", got[1])
	}
	if got[2].Audio.Data != audio || got[2].Audio.MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("audio chunk = %+v", got[2].Audio)
	}
	if got[3].Role != live.RoleModel || got[3].Text != "It protects life" {
		t.Errorf("model transcript = %+v", got[3])
	}
}

func TestEvents_InterruptedBeforeAudio(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"interrupted": true,
				"modelTurn": map[string]any{
					"parts": []any{map[string]any{"inlineData": map[string]any{"data": "AAA="}}},
				},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := newProvider(srv).Open(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	if ev := nextEvent(t, ch); ev.Kind != live.EventOpened {
		t.Fatalf("first event = %v, want opened", ev.Kind)
	}
	if ev := nextEvent(t, ch); ev.Kind != live.EventInterrupted {
		t.Fatalf("second event = %v, want interrupted", ev.Kind)
	}
	ev := nextEvent(t, ch)
	if ev.Kind != live.EventAudio {
		t.Fatalf("third event = %v, want audio", ev.Kind)
	}
	if ev.Audio.MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("missing MIME type not defaulted: %q", ev.Audio.MIMEType)
	}
}

func TestEvents_ServerErrorIsTerminal(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 403, "message": "API key not valid"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := newProvider(srv).Open(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	ev := nextEvent(t, ch)
	if ev.Kind != live.EventError {
		t.Fatalf("event = %v, want error", ev.Kind)
	}
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "API key not valid") {
		t.Errorf("Err = %v", ev.Err)
	}
	select {
	case _, ok := <-ch.Events():
		if ok {
			t.Error("events continued after terminal error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed after terminal error")
	}
}

func TestEvents_RemoteCloseIsClosed(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	ch, err := newProvider(srv).Open(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	if ev := nextEvent(t, ch); ev.Kind != live.EventOpened {
		t.Fatalf("first event = %v, want opened", ev.Kind)
	}
	if ev := nextEvent(t, ch); ev.Kind != live.EventClosed {
		t.Fatalf("second event = %v, want closed", ev.Kind)
	}
}

func TestEvents_AbnormalDisconnectIsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	ch, err := newProvider(srv).Open(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	nextEvent(t, ch) // opened
	if ev := nextEvent(t, ch); ev.Kind != live.EventError || ev.Err == nil {
		t.Fatalf("event = %+v, want error", ev)
	}
}

// ── Send / Close ───────────────────────────────────────────────────────────────

func TestSend_RealtimeInput(t *testing.T) {
	t.Parallel()

	type inputMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	received := make(chan inputMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)
		var msg inputMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := newProvider(srv).Open(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	chunk := pcm.EncodeChunk([]float32{0, 0.5, -0.5}, 1, 16000)
	if err := ch.Send(context.Background(), chunk); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		mc := msg.RealtimeInput.MediaChunks
		if len(mc) != 1 {
			t.Fatalf("mediaChunks = %d, want 1", len(mc))
		}
		if mc[0].MIMEType != "audio/pcm;rate=16000" || mc[0].Data != chunk.Data {
			t.Errorf("media chunk = %+v, want %+v", mc[0], chunk)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtimeInput")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := newProvider(srv).Open(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := ch.Send(context.Background(), pcm.EncodedChunk{Data: "AAA="}); !errors.Is(err, live.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}

	select {
	case _, ok := <-ch.Events():
		if ok {
			t.Error("unexpected event after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed after Close")
	}
}
