package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"mediabot/internal/config"
	"mediabot/internal/models"
	"mediabot/internal/pipeline"
)

func TestSplitText(t *testing.T) {
	if got := SplitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}

	lines := strings.Repeat("0123456789\n", 5)
	got := SplitText(lines, 25)
	for _, chunk := range got {
		if len(chunk) > 25 {
			t.Fatalf("chunk over limit: %q", chunk)
		}
	}
	if joined := strings.Join(got, "\n"); joined != lines && joined+"\n" != lines {
		t.Fatalf("line split lost text: %q", got)
	}

	runes := strings.Repeat("é", 10) // 20 bytes
	got = SplitText(runes, 7)
	total := 0
	for _, chunk := range got {
		if !utf8.ValidString(chunk) || len(chunk) > 7 {
			t.Fatalf("bad chunk %q", chunk)
		}
		total += len(chunk)
	}
	if total != len(runes) {
		t.Fatalf("rune split lost bytes: %d of %d", total, len(runes))
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err       error
		transient bool
	}{
		{&tgbotapi.Error{Code: 429, Message: "Too Many Requests"}, true},
		{&tgbotapi.Error{Code: 502, Message: "Bad Gateway"}, true},
		{&tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}, false},
		{&fs.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist}, false},
		{errors.New("connection reset by peer"), true},
	}
	for _, tc := range cases {
		if got := pipeline.IsTransient(classify(tc.err)); got != tc.transient {
			t.Fatalf("classify(%v) transient = %v, want %v", tc.err, got, tc.transient)
		}
	}
	if classify(nil) != nil {
		t.Fatalf("nil error classified")
	}
}

func TestTransportSendsTextAndFiles(t *testing.T) {
	api := newFakeBotAPI(t)
	tr, err := Dial(config.TelegramConfig{Token: "TOKEN", APIEndpoint: api.endpoint()}, discardLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	long := strings.Repeat("a", MaxMessageBytes) + "tail"
	if err := tr.SendText(context.Background(), 5, long); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if n := api.count("sendMessage"); n != 2 {
		t.Fatalf("sendMessage calls = %d, want 2", n)
	}

	path := filepath.Join(t.TempDir(), "output.mp3")
	if err := os.WriteFile(path, []byte("ID3"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cases := map[models.OutputKind]string{
		models.KindAudio: "sendAudio",
		models.KindVideo: "sendVideo",
		models.KindVoice: "sendVoice",
	}
	for kind, method := range cases {
		err := tr.SendFile(context.Background(), 5, pipeline.OutgoingFile{Path: path, Kind: kind, Caption: "Part 1/2"})
		if err != nil {
			t.Fatalf("send %s: %v", kind, err)
		}
		if n := api.count(method); n != 1 {
			t.Fatalf("%s calls = %d", method, n)
		}
	}
	if got := api.lastCaption(); got != "Part 1/2" {
		t.Fatalf("caption = %q", got)
	}
}

func TestTransportMarksRateLimitTransient(t *testing.T) {
	api := newFakeBotAPI(t)
	tr, err := Dial(config.TelegramConfig{Token: "TOKEN", APIEndpoint: api.endpoint()}, discardLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	api.fail("sendMessage", 429, "Too Many Requests: retry after 1")
	err = tr.SendText(context.Background(), 5, "hi")
	if err == nil || !pipeline.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	api.fail("sendMessage", 403, "Forbidden: bot was blocked by the user")
	err = tr.SendText(context.Background(), 5, "hi")
	if err == nil || pipeline.IsTransient(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestTransportHonoursCancelledContext(t *testing.T) {
	api := newFakeBotAPI(t)
	tr, err := Dial(config.TelegramConfig{Token: "TOKEN", APIEndpoint: api.endpoint()}, discardLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.SendText(ctx, 5, "hi"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := api.count("sendMessage"); n != 0 {
		t.Fatalf("message sent despite cancelled context")
	}
}

func TestTransportCancelAbortsUploadInFlight(t *testing.T) {
	api := newFakeBotAPI(t)
	tr, err := Dial(config.TelegramConfig{Token: "TOKEN", APIEndpoint: api.endpoint()}, discardLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	entered, aborted := api.hold("sendAudio")

	path := filepath.Join(t.TempDir(), "output.mp3")
	if err := os.WriteFile(path, []byte("ID3"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := make(chan error, 1)
	go func() {
		result <- tr.SendFile(ctx, 5, pipeline.OutgoingFile{Path: path, Kind: models.KindAudio})
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("upload never reached the server")
	}
	cancel()

	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("SendFile did not return after cancel")
	}
	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatalf("server request still open after cancel")
	}
}

func TestDialRequiresToken(t *testing.T) {
	if _, err := Dial(config.TelegramConfig{}, discardLogger()); err == nil {
		t.Fatalf("expected error without token")
	}
}

// --- helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBotAPI answers the handful of Bot API methods the transport uses.
type fakeBotAPI struct {
	srv *httptest.Server

	mu       sync.Mutex
	calls    map[string]int
	failures map[string]apiFailure
	caption  string
	held     map[string]heldMethod
}

type heldMethod struct {
	entered chan struct{}
	aborted chan struct{}
}

type apiFailure struct {
	code int
	desc string
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	t.Helper()
	f := &fakeBotAPI{
		calls:    make(map[string]int),
		failures: make(map[string]apiFailure),
		held:     make(map[string]heldMethod),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBotAPI) endpoint() string {
	return f.srv.URL + "/bot%s/%s"
}

func (f *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		_ = r.ParseMultipartForm(1 << 20)
	} else {
		_ = r.ParseForm()
	}

	f.mu.Lock()
	f.calls[method]++
	if c := r.FormValue("caption"); c != "" {
		f.caption = c
	}
	failure, failing := f.failures[method]
	delete(f.failures, method)
	held, holding := f.held[method]
	delete(f.held, method)
	f.mu.Unlock()

	if holding {
		close(held.entered)
		<-r.Context().Done()
		close(held.aborted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if failing {
		fmt.Fprintf(w, `{"ok":false,"error_code":%d,"description":%q}`, failure.code, failure.desc)
		return
	}
	if method == "getMe" {
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Media","username":"media_bot"}}`)
		return
	}
	fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":5,"type":"private"}}}`)
}

func (f *fakeBotAPI) fail(method string, code int, desc string) {
	f.mu.Lock()
	f.failures[method] = apiFailure{code: code, desc: desc}
	f.mu.Unlock()
}

// hold makes the next call to method block until the client goes away. The
// first channel closes when the call arrives, the second when it is aborted.
func (f *fakeBotAPI) hold(method string) (<-chan struct{}, <-chan struct{}) {
	h := heldMethod{entered: make(chan struct{}), aborted: make(chan struct{})}
	f.mu.Lock()
	f.held[method] = h
	f.mu.Unlock()
	return h.entered, h.aborted
}

func (f *fakeBotAPI) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeBotAPI) lastCaption() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caption
}
