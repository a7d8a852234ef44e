package material

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/mpconsole/mpconsole/internal/mpapi"
	"github.com/mpconsole/mpconsole/internal/session"
	"github.com/mpconsole/mpconsole/internal/transport"
)

type libraryStub struct {
	mu sync.Mutex

	uploadedSources []string
	publishForms    []url.Values
	transferCount   int
}

func (s *libraryStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/uploadimg2cdn", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		source := r.PostForm.Get("imgurl")
		s.mu.Lock()
		s.uploadedSources = append(s.uploadedSources, source)
		n := len(s.uploadedSources)
		s.mu.Unlock()
		fmt.Fprintf(w, `{"base_resp":{"ret":0},"url":"https://mmbiz.qpic.cn/cdn-%d"}`, n)
	})
	mux.HandleFunc("/cgi-bin/operate_appmsg", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		s.mu.Lock()
		s.publishForms = append(s.publishForms, r.PostForm)
		s.mu.Unlock()
		fmt.Fprint(w, `{"base_resp":{"ret":0},"appMsgId":200123}`)
	})
	mux.HandleFunc("/cgi-bin/appmsg", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "get_temp_url" {
			fmt.Fprint(w, `{"base_resp":{"ret":0},"temp_url":"https://mp.weixin.qq.com/s/tmp123"}`)
			return
		}
		fmt.Fprint(w, `{"base_resp":{"ret":0},"app_msg_info":{"item":[{"app_msg_id":200001,"title":"first","digest":"d","create_time":1700000000}]}}`)
	})
	mux.HandleFunc("/cgi-bin/filepage", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"base_resp":{"ret":0},"page_info":{"file_item":[{"file_id":3001,"name":"pic.png","type":2,"cdn_url":"https://mmbiz.qpic.cn/f1"}]}}`)
	})
	mux.HandleFunc("/cgi-bin/filetransfer", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.transferCount++
		n := s.transferCount
		s.mu.Unlock()
		fmt.Fprintf(w, `{"base_resp":{"ret":0},"content":%d,"cdn_url":"https://mmbiz.qpic.cn/lib-%d"}`, 4000+n, n)
	})
	mux.HandleFunc("/remote/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake-image-bytes"))
	})
	return mux
}

func newTestManager(t *testing.T, stub *libraryStub) (*Manager, string) {
	t.Helper()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	httpTransport, err := transport.New(transport.Config{Client: server.Client()})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	manager, err := NewManager(Config{
		Transport: httpTransport,
		Endpoints: mpapi.NewEndpoints(server.URL),
		UploadDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return manager, server.URL
}

func librarySession() *session.Session {
	s := session.New("acct1", "p@ssw0rd")
	s.Token = "123456"
	s.Ticket = "T1"
	s.IdentityTag = "U1"
	s.Authenticated = true
	return s
}

func TestExternalImageSources(t *testing.T) {
	articleHTML := `<p>x</p>
<img src="https://pics.example.org/a.png">
<img src='https://pics.example.org/b.png'>
<img src="https://pics.example.org/a.png">
<img src="https://mmbiz.qpic.cn/hosted.png">
<img src="HTTP://MMBIZ.QPIC.CN/hosted2.png">
<img src="https://mp.weixin.qq.com/some/page.png">`

	sources := externalImageSources(articleHTML)
	want := []string{"https://pics.example.org/a.png", "https://pics.example.org/b.png"}
	if len(sources) != len(want) {
		t.Fatalf("sources = %v, want %v", sources, want)
	}
	for i := range want {
		if sources[i] != want[i] {
			t.Fatalf("sources[%d] = %q, want %q", i, sources[i], want[i])
		}
	}
}

func TestReplaceImageSourceIsCaseInsensitive(t *testing.T) {
	articleHTML := `<img src="HTTPS://Pics.Example.org/A.png"><img src="https://pics.example.org/a.png">`
	rewritten := replaceImageSource(articleHTML, "https://pics.example.org/a.png", "https://mmbiz.qpic.cn/x")
	if strings.Contains(strings.ToLower(rewritten), "pics.example.org") {
		t.Fatalf("original URL survived rewrite: %s", rewritten)
	}
	if strings.Count(rewritten, "https://mmbiz.qpic.cn/x") != 2 {
		t.Fatalf("expected both occurrences rewritten: %s", rewritten)
	}
}

func TestArticleParamsFlattening(t *testing.T) {
	article := Article{
		Title:       "headline",
		HTML:        "<p>body</p>",
		Description: "digest text",
		FileID:      "3001",
		SourceURL:   "https://example.org/origin",
		cdnURL:      "https://mmbiz.qpic.cn/cover",
	}
	params := articleParams(article, 2)

	checks := map[string]string{
		"title2":             "headline",
		"content2":           "<p>body</p>",
		"digest2":            "digest text",
		"fileid2":            "3001",
		"cdn_url2":           "https://mmbiz.qpic.cn/cover",
		"sourceurl2":         "https://example.org/origin",
		"show_cover_pic2":    "0",
		"need_open_comment2": "1",
	}
	for key, want := range checks {
		if got := params.Get(key); got != want {
			t.Fatalf("%s = %q, want %q", key, got, want)
		}
	}
	if !params.Has("music_id2") || params.Get("music_id2") != "" {
		t.Fatal("empty placeholders must still be present")
	}
}

func TestCreateArticlesUploadsAndRewrites(t *testing.T) {
	stub := &libraryStub{}
	manager, _ := newTestManager(t, stub)

	articles := []Article{{
		Title:    "headline",
		ThumbURL: "https://pics.example.org/thumb.png",
		HTML:     `<img src="https://pics.example.org/inline.png">`,
	}}
	appMsgID, err := manager.CreateArticles(context.Background(), librarySession(), articles, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if appMsgID != "200123" {
		t.Fatalf("appMsgID = %q, want 200123", appMsgID)
	}

	uploaded := map[string]bool{}
	for _, source := range stub.uploadedSources {
		uploaded[source] = true
	}
	if !uploaded["https://pics.example.org/thumb.png"] || !uploaded["https://pics.example.org/inline.png"] {
		t.Fatalf("uploads = %v, want thumb and inline image", stub.uploadedSources)
	}

	if len(stub.publishForms) != 1 {
		t.Fatalf("publish called %d times, want 1", len(stub.publishForms))
	}
	form := stub.publishForms[0]
	if strings.Contains(form.Get("content0"), "pics.example.org") {
		t.Fatalf("external image survived rewrite: %s", form.Get("content0"))
	}
	if !strings.Contains(form.Get("content0"), "mmbiz.qpic.cn") {
		t.Fatalf("content not rewritten to CDN: %s", form.Get("content0"))
	}
	if form.Get("cdn_url0") == "" {
		t.Fatal("thumbnail CDN URL missing from publish form")
	}
	if form.Get("count") != "1" {
		t.Fatalf("count = %q, want 1", form.Get("count"))
	}
	if form.Has("AppMsgId") {
		t.Fatal("create must not carry an existing post ID")
	}
}

func TestCreateArticlesUpdateCarriesPostID(t *testing.T) {
	stub := &libraryStub{}
	manager, _ := newTestManager(t, stub)

	articles := []Article{{Title: "headline", ThumbURL: "https://pics.example.org/thumb.png", HTML: "<p>plain</p>"}}
	if _, err := manager.CreateArticles(context.Background(), librarySession(), articles, "200123"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := stub.publishForms[0].Get("AppMsgId"); got != "200123" {
		t.Fatalf("AppMsgId = %q, want 200123", got)
	}
}

func TestCreateArticlesRejectsBatchWithoutThumbnail(t *testing.T) {
	stub := &libraryStub{}
	manager, _ := newTestManager(t, stub)

	_, err := manager.CreateArticles(context.Background(), librarySession(), []Article{{Title: "bare"}}, "")
	if err != ErrNoThumbnail {
		t.Fatalf("expected ErrNoThumbnail, got %v", err)
	}
}

func TestListArticles(t *testing.T) {
	stub := &libraryStub{}
	manager, _ := newTestManager(t, stub)

	items, err := manager.ListArticles(context.Background(), librarySession(), ListKindArticle, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].AppMsgID != 200001 {
		t.Fatalf("items = %+v", items)
	}
}

func TestListFiles(t *testing.T) {
	stub := &libraryStub{}
	manager, _ := newTestManager(t, stub)

	files, err := manager.ListFiles(context.Background(), librarySession(), FileKindImage, 0, 12, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 1 || files[0].FileID != 3001 {
		t.Fatalf("files = %+v", files)
	}
}

func TestBatchUploadPreservesOrder(t *testing.T) {
	stub := &libraryStub{}
	manager, serverURL := newTestManager(t, stub)

	urls := []string{
		serverURL + "/remote/a.png",
		serverURL + "/remote/b.png",
		serverURL + "/remote/c.png",
	}
	results, err := manager.BatchUpload(context.Background(), librarySession(), urls)
	if err != nil {
		t.Fatalf("batch upload: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, result := range results {
		if result.FileID.String() == "" || result.CDNURL == "" {
			t.Fatalf("result %d incomplete: %+v", i, result)
		}
	}
	if stub.transferCount != 3 {
		t.Fatalf("transfer endpoint hit %d times, want 3", stub.transferCount)
	}
}

func TestPreviewLink(t *testing.T) {
	stub := &libraryStub{}
	manager, _ := newTestManager(t, stub)

	link, err := manager.PreviewLink(context.Background(), librarySession(), "200123", 0)
	if err != nil {
		t.Fatalf("preview link: %v", err)
	}
	if link != "https://mp.weixin.qq.com/s/tmp123" {
		t.Fatalf("link = %q", link)
	}
}
