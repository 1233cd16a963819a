package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"guardbot/internal/apperr"
	"guardbot/pkg/logx"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{name: "plain", in: `{"action":"ALLOW"}`, want: `{"action":"ALLOW"}`, wantOK: true},
		{name: "fenced", in: "```json\n{\"acao\":\"REMOVER\",\"motivo\":\"spam\"}\n```", want: `{"acao":"REMOVER","motivo":"spam"}`, wantOK: true},
		{name: "prose around", in: `Claro! {"command":"mensagem","text":"Bom dia"} Espero ter ajudado.`, want: `{"command":"mensagem","text":"Bom dia"}`, wantOK: true},
		{name: "nested", in: `x {"a":{"b":1},"c":2} y {"d":3}`, want: `{"a":{"b":1},"c":2}`, wantOK: true},
		{name: "brace in string", in: `{"text":"use } and { freely","ok":true}`, want: `{"text":"use } and { freely","ok":true}`, wantOK: true},
		{name: "escaped quote", in: `{"text":"he said \"}\" ok"}`, want: `{"text":"he said \"}\" ok"}`, wantOK: true},
		{name: "stray close first", in: `} {"a":1}`, want: `{"a":1}`, wantOK: true},
		{name: "unbalanced", in: `{"a":1`, wantOK: false},
		{name: "none", in: `OK`, wantOK: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSON(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("ExtractJSON(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

type blockingService struct{}

func (blockingService) Generate(ctx context.Context, _ Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type slowIgnoringService struct{}

func (slowIgnoringService) Generate(ctx context.Context, _ Request) (string, error) {
	<-ctx.Done()
	return "", errors.New("rpc error: transport closed")
}

func TestWithTimeoutMapsDeadline(t *testing.T) {
	t.Parallel()
	for name, svc := range map[string]Service{"ctx error": blockingService{}, "opaque error": slowIgnoringService{}} {
		svc := svc
		t.Run(name, func(t *testing.T) {
			_, err := WithTimeout(svc, 20*time.Millisecond).Generate(context.Background(), Request{Prompt: "x"})
			if apperr.KindOf(err) != apperr.KindCollaboratorTimeout {
				t.Fatalf("err = %v, kind %q", err, apperr.KindOf(err))
			}
		})
	}
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{Provider: "gemini"}, logx.Nop())
	if !errors.Is(err, apperr.ErrMissingCredential) {
		t.Fatalf("err = %v", err)
	}
}

func TestNewOpenAIBackend(t *testing.T) {
	t.Parallel()
	svc, err := New(context.Background(), Config{Provider: "openai", APIKey: "k", BaseURL: "http://127.0.0.1:1/v1", Timeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := svc.(*timed); !ok {
		t.Fatalf("backend not wrapped with timeout: %T", svc)
	}
}

func TestOpenAIGenerate(t *testing.T) {
	t.Parallel()
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"  {\"action\":\"ALLOW\"}  "},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	o := NewOpenAI("k", srv.URL+"/v1", "test-model")
	out, err := o.Generate(context.Background(), Request{System: "sys", Prompt: "hello", Temperature: Temp(0.1)})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != `{"action":"ALLOW"}` {
		t.Fatalf("out = %q", out)
	}
	msgs, _ := gotBody["messages"].([]any)
	if gotBody["model"] != "test-model" || len(msgs) != 2 {
		t.Fatalf("unexpected request body: %v", gotBody)
	}
}
