package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lessonvoice/pkg/audio"
	"github.com/MrWong99/lessonvoice/pkg/provider/s2s"
	"github.com/MrWong99/lessonvoice/pkg/provider/s2s/gemini"
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

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	sendSetupComplete(t, conn)
}

// idleServer acknowledges setup and then waits for the client to hang up.
func idleServer(t *testing.T) *httptest.Server {
	return startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	handle, err := newProvider(srv).Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}

// ── Options and capabilities ──────────────────────────────────────────────────

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
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if model := <-modelCh; model != "models/custom-model" {
		t.Errorf("model = %q; want models/custom-model", model)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if caps.Name != gemini.Name {
		t.Errorf("Name = %q, want %q", caps.Name, gemini.Name)
	}
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d, want 16000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	found := false
	for _, v := range caps.Voices {
		if v == "Puck" {
			found = true
		}
	}
	if !found {
		t.Errorf("Voices %v should include Puck", caps.Voices)
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsLessonSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
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
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{
		Instructions: "You are a tutor. Discuss only Photosynthesis.",
		Voice:        "Puck",
		Transcribe:   true,
	})

	msg := <-received
	if !strings.HasPrefix(msg.Setup.Model, "models/") {
		t.Errorf("model %q should start with 'models/'", msg.Setup.Model)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "audio" {
		t.Errorf("responseModalities = %v, want [audio]", got)
	}
	sc := msg.Setup.GenerationConfig.SpeechConfig
	if sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
		t.Errorf("speechConfig = %+v, want voice Puck", sc)
	}
	si := msg.Setup.SystemInstruction
	if si == nil || len(si.Parts) == 0 || !strings.Contains(si.Parts[0].Text, "Photosynthesis") {
		t.Errorf("systemInstruction = %+v, want topic-scoped text", si)
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Error("transcription configs missing although Transcribe was set")
	}
}

func TestConnect_OmitsOptionalSetupFields(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup map[string]any `json:"setup"`
		}
		readJSON(t, conn, &msg)
		received <- msg.Setup
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{})

	setup := <-received
	for _, key := range []string{"systemInstruction", "inputAudioTranscription", "outputAudioTranscription"} {
		if _, ok := setup[key]; ok {
			t.Errorf("setup contains %q for an empty config", key)
		}
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	query := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.RawQuery
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if q := <-query; !strings.Contains(q, "key=secret-key") {
		t.Errorf("URL query %q should contain key=secret-key", q)
	}
}

func TestConnect_WaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Unrelated traffic before the ack must not count as the ack.
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-release
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	done := make(chan error, 1)
	go func() {
		handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
		if err == nil {
			_ = handle.Close()
		}
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("Connect returned before setupComplete: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return after setupComplete")
	}
}

func TestConnect_SetupError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 403, "message": "API key not valid"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, gemini.ErrSetupRejected) {
		t.Fatalf("err = %v, want ErrSetupRejected", err)
	}
	if !strings.Contains(err.Error(), "API key not valid") {
		t.Errorf("err = %v, want server message", err)
	}
}

func TestConnect_ServerHangsUpDuringSetup(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.Close(websocket.StatusPolicyViolation, "quota exceeded")
	})

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, gemini.ErrSetupRejected) {
		t.Fatalf("err = %v, want ErrSetupRejected", err)
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
}

func TestConnect_Unreachable(t *testing.T) {
	t.Parallel()

	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); err == nil {
		t.Fatal("Connect to closed port should fail")
	}
}

// ── SendAudio / SendText ──────────────────────────────────────────────────────

func TestSendAudio_EncodesMediaChunk(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeInput, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	frame := audio.EncodeFrame([]float32{0.5, -0.5, 0, 1}, 16000)
	if err := handle.SendAudio(frame); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msg := <-audioMsg
	chunks := msg.RealtimeInput.MediaChunks
	if len(chunks) != 1 {
		t.Fatalf("media chunks = %d, want 1", len(chunks))
	}
	if chunks[0].MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunks[0].MIMEType)
	}
	got, err := base64.StdEncoding.DecodeString(chunks[0].Data)
	if err != nil {
		t.Fatalf("base64 decode: %v", err)
	}
	if string(got) != string(frame.Data) {
		t.Errorf("decoded audio = %v; want %v", got, frame.Data)
	}
}

func TestSendText_SendsUserTurn(t *testing.T) {
	t.Parallel()

	type clientContentMsg struct {
		ClientContent struct {
			Turns []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"turns"`
			TurnComplete bool `json:"turnComplete"`
		} `json:"clientContent"`
	}

	got := make(chan clientContentMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg clientContentMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if err := handle.SendText("Please introduce the lesson."); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	msg := <-got
	turns := msg.ClientContent.Turns
	if len(turns) != 1 || turns[0].Role != "user" {
		t.Fatalf("turns = %+v, want one user turn", turns)
	}
	if turns[0].Parts[0].Text != "Please introduce the lesson." {
		t.Errorf("text = %q", turns[0].Parts[0].Text)
	}
	if !msg.ClientContent.TurnComplete {
		t.Error("turnComplete should be true")
	}
}

func TestSend_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	handle, err := newProvider(idleServer(t)).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := handle.SendAudio(audio.EncodeFrame(make([]float32, 4), 16000)); err == nil {
		t.Error("SendAudio after Close should return an error")
	}
	if err := handle.SendText("hello"); err == nil {
		t.Error("SendText after Close should return an error")
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	frame := audio.EncodeFrame(make([]float32, 64), 16000)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 16 {
				_ = handle.SendAudio(frame)
			}
		})
	}
	wg.Wait()
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func audioPart(pcm []byte) map[string]any {
	return map[string]any{
		"inlineData": map[string]any{
			"mimeType": "audio/pcm;rate=24000",
			"data":     base64.StdEncoding.EncodeToString(pcm),
		},
	}
}

func TestAudio_DeliversDecodedPCMInOrder(t *testing.T) {
	t.Parallel()

	chunks := [][]byte{{0xAA, 0xBB}, {0xCC, 0xDD, 0xEE, 0xFF}, {0x01, 0x02}}
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		// Two parts in one turn, then a second turn.
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{audioPart(chunks[0]), audioPart(chunks[1])},
				},
			},
		})
		// A message without audio in between is ignored.
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{"parts": []map[string]any{audioPart(chunks[2])}},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	for i, want := range chunks {
		select {
		case got, ok := <-handle.Audio():
			if !ok {
				t.Fatalf("Audio channel closed before chunk %d", i)
			}
			if string(got) != string(want) {
				t.Errorf("chunk %d = %x; want %x", i, got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for chunk %d", i)
		}
	}
}

func TestAudio_SkipsUndecodablePayload(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm", "data": "%%%"}},
						audioPart([]byte{0x10, 0x20}),
					},
				},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	select {
	case got := <-handle.Audio():
		if string(got) != string([]byte{0x10, 0x20}) {
			t.Errorf("first delivered chunk = %x, want 1020", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio")
	}
}

func TestTranscripts(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "What do plants eat?"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": "They make their own food."},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{Transcribe: true})

	want := []s2s.TranscriptEntry{
		{Speaker: s2s.SpeakerUser, Text: "What do plants eat?"},
		{Speaker: s2s.SpeakerModel, Text: "They make their own food."},
	}
	for i, w := range want {
		select {
		case entry := <-handle.Transcripts():
			if entry.Speaker != w.Speaker || entry.Text != w.Text {
				t.Errorf("entry %d = %+v, want %+v", i, entry, w)
			}
			if entry.Timestamp.IsZero() {
				t.Errorf("entry %d has zero timestamp", i)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for transcript %d", i)
		}
	}
}

func TestOnError_ReceivesServerErrors(t *testing.T) {
	t.Parallel()

	trigger := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-trigger
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "model overloaded"}})
		writeJSON(t, conn, map[string]any{"goAway": map[string]any{"timeLeft": "10s"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	errs := make(chan error, 2)
	handle.OnError(func(err error) { errs <- err })
	close(trigger)

	for _, want := range []string{"model overloaded", "going away"} {
		select {
		case err := <-errs:
			if !strings.Contains(err.Error(), want) {
				t.Errorf("error = %v, want it to contain %q", err, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for error %q", want)
		}
	}
}

func TestErr_SetOnAbnormalClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusInternalError, "backend crashed")
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	select {
	case _, ok := <-handle.Audio():
		if ok {
			t.Fatal("unexpected audio")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Audio channel not closed after server hangup")
	}
	if handle.Err() == nil {
		t.Error("Err() = nil after abnormal close")
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_IdempotentAndClosesChannels(t *testing.T) {
	t.Parallel()

	handle, err := newProvider(idleServer(t)).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}

	for name, ch := range map[string]func() bool{
		"Audio": func() bool {
			_, open := <-handle.Audio()
			return open
		},
		"Transcripts": func() bool {
			_, open := <-handle.Transcripts()
			return open
		},
	} {
		done := make(chan bool, 1)
		go func() { done <- ch() }()
		select {
		case open := <-done:
			if open {
				t.Errorf("%s channel should be closed after Close()", name)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for %s channel to close", name)
		}
	}
	if handle.Err() != nil {
		t.Errorf("Err() = %v after clean Close", handle.Err())
	}
}
