package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type rawEnvelope struct {
	Value string `json:"value"`
	raw   []byte
}

func (e *rawEnvelope) SetRaw(body []byte) { e.raw = append([]byte(nil), body...) }

func newTestClient(t *testing.T, handler http.Handler) (*Client, string) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Config{Client: server.Client(), UserAgent: "test-agent"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return client, server.URL
}

func TestPostFormDecodesAndKeepsRawPayload(t *testing.T) {
	var seenContentType, seenAgent string
	client, serverURL := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenContentType = r.Header.Get("Content-Type")
		seenAgent = r.Header.Get("User-Agent")
		r.ParseForm()
		fmt.Fprintf(w, `{"value":%q,"extra":true}`, r.PostForm.Get("name"))
	}))

	form := url.Values{}
	form.Set("name", "probe")

	var envelope rawEnvelope
	if err := client.PostForm(context.Background(), serverURL, form, &envelope); err != nil {
		t.Fatalf("post: %v", err)
	}
	if envelope.Value != "probe" {
		t.Fatalf("value = %q", envelope.Value)
	}
	if !json.Valid(envelope.raw) || !strings.Contains(string(envelope.raw), "extra") {
		t.Fatalf("raw payload not retained: %q", envelope.raw)
	}
	if !strings.HasPrefix(seenContentType, "application/x-www-form-urlencoded") {
		t.Fatalf("content type = %q", seenContentType)
	}
	if seenAgent != "test-agent" {
		t.Fatalf("user agent = %q", seenAgent)
	}
}

func TestPostFormRefererHeader(t *testing.T) {
	var seenReferer string
	client, serverURL := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenReferer = r.Header.Get("Referer")
		fmt.Fprint(w, `{}`)
	}))

	if err := client.PostFormReferer(context.Background(), serverURL, "https://origin.example/edit", url.Values{}, nil); err != nil {
		t.Fatalf("post: %v", err)
	}
	if seenReferer != "https://origin.example/edit" {
		t.Fatalf("referer = %q", seenReferer)
	}
}

func TestFinalLocationFollowsRedirectChain(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/middle", http.StatusFound)
	})
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end?token=42", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "landed")
	})
	client, serverURL := newTestClient(t, mux)

	location, err := client.FinalLocation(context.Background(), serverURL+"/start")
	if err != nil {
		t.Fatalf("final location: %v", err)
	}
	if location != serverURL+"/end?token=42" {
		t.Fatalf("location = %q", location)
	}
}

func TestDownloadCreatesParentDirectories(t *testing.T) {
	client, serverURL := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("binary-bytes"))
	}))

	destination := filepath.Join(t.TempDir(), "nested", "dir", "artifact.png")
	if err := client.Download(context.Background(), serverURL, destination); err != nil {
		t.Fatalf("download: %v", err)
	}
	content, err := os.ReadFile(destination)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(content) != "binary-bytes" {
		t.Fatalf("content = %q", content)
	}
}

func TestUploadFileMultipart(t *testing.T) {
	var seenField, seenContent string
	client, serverURL := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		seenField = header.Filename
		buffer := make([]byte, header.Size)
		file.Read(buffer)
		seenContent = string(buffer)
		fmt.Fprint(w, `{"value":"uploaded"}`)
	}))

	localPath := filepath.Join(t.TempDir(), "upload.png")
	if err := os.WriteFile(localPath, []byte("pixel-data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var envelope rawEnvelope
	if err := client.UploadFile(context.Background(), serverURL, "", "file", localPath, &envelope); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if envelope.Value != "uploaded" {
		t.Fatalf("value = %q", envelope.Value)
	}
	if seenField != "upload.png" || seenContent != "pixel-data" {
		t.Fatalf("received %q / %q", seenField, seenContent)
	}
}

func TestNonSuccessStatusIsAnError(t *testing.T) {
	client, serverURL := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))

	var envelope rawEnvelope
	err := client.PostForm(context.Background(), serverURL, url.Values{}, &envelope)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected status error, got %v", err)
	}
}
