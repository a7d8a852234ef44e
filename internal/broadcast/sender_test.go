package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/mpconsole/mpconsole/internal/mpapi"
	"github.com/mpconsole/mpconsole/internal/safeguard"
	"github.com/mpconsole/mpconsole/internal/session"
	"github.com/mpconsole/mpconsole/internal/transport"
)

type recordedRequest struct {
	path  string
	query url.Values
	form  url.Values
}

type sendStub struct {
	mu sync.Mutex

	sendRet int

	requests []recordedRequest
}

func (s *sendStub) record(r *http.Request) recordedRequest {
	r.ParseForm()
	recorded := recordedRequest{
		path:  r.URL.Path,
		query: r.URL.Query(),
		form:  r.PostForm,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, recorded)
	return recorded
}

func (s *sendStub) recorded() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

func (s *sendStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/masssend", func(w http.ResponseWriter, r *http.Request) {
		recorded := s.record(r)
		if recorded.query.Get("action") == "get_appmsg_copyright_stat" {
			fmt.Fprint(w, `{"base_resp":{"ret":0},"is_banned_risk":false}`)
			return
		}
		if s.sendRet != 0 {
			fmt.Fprintf(w, `{"base_resp":{"ret":%d}}`, s.sendRet)
			return
		}
		fmt.Fprint(w, `{"base_resp":{"ret":0},"type":10}`)
	})
	mux.HandleFunc("/cgi-bin/operate_appmsg", func(w http.ResponseWriter, r *http.Request) {
		s.record(r)
		fmt.Fprint(w, `{"base_resp":{"ret":0}}`)
	})
	mux.HandleFunc("/cgi-bin/singlesend", func(w http.ResponseWriter, r *http.Request) {
		s.record(r)
		fmt.Fprint(w, `{"base_resp":{"ret":0}}`)
	})
	mux.HandleFunc("/cgi-bin/masssendpage", func(w http.ResponseWriter, r *http.Request) {
		s.record(r)
		fmt.Fprint(w, `{"base_resp":{"ret":0}}`)
	})
	mux.HandleFunc("/cgi-bin/home", func(w http.ResponseWriter, r *http.Request) {
		s.record(r)
		queue := `{"sent_list":[{"type":1,"msgid":7001,"sent_info":{"time":1700000000,"is_send_all":true},"text_info":{"content":"hello"}}]}`
		payload, _ := json.Marshal(queue)
		fmt.Fprintf(w, `{"base_resp":{"ret":0},"timesend_msg":%s}`, payload)
	})
	return mux
}

type grantStub struct {
	grant safeguard.Grant
	err   error
	calls int
}

func (g *grantStub) Authorize(context.Context, *session.Session) (safeguard.Grant, error) {
	g.calls++
	return g.grant, g.err
}

func newTestSender(t *testing.T, stub *sendStub, authorizer Authorizer) *Sender {
	t.Helper()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	httpTransport, err := transport.New(transport.Config{Client: server.Client()})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	sender, err := NewSender(Config{
		Transport:  httpTransport,
		Endpoints:  mpapi.NewEndpoints(server.URL),
		Authorizer: authorizer,
	})
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	return sender
}

func sendSession(protected bool) *session.Session {
	s := session.New("acct1", "p@ssw0rd")
	s.Token = "123456"
	s.OperationSeq = "7"
	s.ProtectedBroadcast = protected
	s.Authenticated = true
	return s
}

func TestSendArticleRunsCopyrightCheckTwiceBeforeSend(t *testing.T) {
	stub := &sendStub{}
	sender := newTestSender(t, stub, nil)

	if _, err := sender.Send(context.Background(), sendSession(false), Message{Type: TypeArticle, Content: "200001", GroupID: GroupAll}); err != nil {
		t.Fatalf("send: %v", err)
	}

	requests := stub.recorded()
	if len(requests) != 3 {
		t.Fatalf("recorded %d requests, want 3", len(requests))
	}
	for i, wantFirstCheck := range []string{"1", "0"} {
		if got := requests[i].query.Get("action"); got != "get_appmsg_copyright_stat" {
			t.Fatalf("request %d action = %q, want copyright check", i, got)
		}
		if got := requests[i].form.Get("first_check"); got != wantFirstCheck {
			t.Fatalf("check %d first_check = %q, want %q", i, got, wantFirstCheck)
		}
	}
	final := requests[2]
	if final.query.Get("t") != "ajax-response" {
		t.Fatalf("final request query = %v, want ajax-response", final.query)
	}
	if got := final.form.Get("appmsgid"); got != "200001" {
		t.Fatalf("appmsgid = %q, want 200001", got)
	}
}

func TestSendProtectedAccountAuthorizesBeforeFinalCall(t *testing.T) {
	stub := &sendStub{}
	authorizer := &grantStub{grant: safeguard.Grant{OperationSeq: "9001", Code: "424242"}}
	sender := newTestSender(t, stub, authorizer)

	if _, err := sender.Send(context.Background(), sendSession(true), Message{Type: TypeText, Content: "hi", GroupID: GroupAll}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if authorizer.calls != 1 {
		t.Fatalf("authorizer invoked %d times, want 1", authorizer.calls)
	}

	requests := stub.recorded()
	if len(requests) != 1 {
		t.Fatalf("recorded %d requests, want only the final send", len(requests))
	}
	final := requests[0]
	if got := final.form.Get("operation_seq"); got != "9001" {
		t.Fatalf("operation_seq = %q, want the grant's 9001", got)
	}
	if got := final.form.Get("code"); got != "424242" {
		t.Fatalf("code = %q, want the grant's 424242", got)
	}
}

func TestSendUnprotectedAccountSkipsAuthorizer(t *testing.T) {
	stub := &sendStub{}
	authorizer := &grantStub{}
	sender := newTestSender(t, stub, authorizer)

	if _, err := sender.Send(context.Background(), sendSession(false), Message{Type: TypeText, Content: "hi", GroupID: GroupAll}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if authorizer.calls != 0 {
		t.Fatalf("authorizer invoked %d times, want 0", authorizer.calls)
	}

	final := stub.recorded()[0]
	if got := final.form.Get("operation_seq"); got != "7" {
		t.Fatalf("operation_seq = %q, want session's 7", got)
	}
	if final.form.Has("code") {
		t.Fatal("unprotected send must not carry a confirmation code")
	}
}

func TestSendAuthorizationFailureStopsSend(t *testing.T) {
	stub := &sendStub{}
	wantErr := errors.New("operator never scanned")
	sender := newTestSender(t, stub, &grantStub{err: wantErr})

	_, err := sender.Send(context.Background(), sendSession(true), Message{Type: TypeText, Content: "hi", GroupID: GroupAll})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if len(stub.recorded()) != 0 {
		t.Fatal("no request may reach the send endpoint after a refused authorization")
	}
}

func TestSendProtectedWithoutAuthorizerFails(t *testing.T) {
	stub := &sendStub{}
	sender := newTestSender(t, stub, nil)

	if _, err := sender.Send(context.Background(), sendSession(true), Message{Type: TypeText, Content: "hi"}); err == nil {
		t.Fatal("expected configuration error")
	}
}

func TestSendParamsByMessageType(t *testing.T) {
	cases := []struct {
		name     string
		message  Message
		wantKey  string
		wantVal  string
		wantType string
	}{
		{"text", Message{Type: TypeText, Content: "hello", GroupID: GroupAll}, "content", "hello", "1"},
		{"image", Message{Type: TypeImage, Content: "3001", GroupID: 5}, "fileid", "3001", "2"},
		{"voice", Message{Type: TypeVoice, Content: "3002", GroupID: GroupAll}, "fileid", "3002", "3"},
		{"video", Message{Type: TypeVideo, Content: "3003", GroupID: GroupAll}, "fileid", "3003", "15"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			stub := &sendStub{}
			sender := newTestSender(t, stub, nil)
			if _, err := sender.Send(context.Background(), sendSession(false), testCase.message); err != nil {
				t.Fatalf("send: %v", err)
			}
			final := stub.recorded()[0]
			if got := final.form.Get(testCase.wantKey); got != testCase.wantVal {
				t.Fatalf("%s = %q, want %q", testCase.wantKey, got, testCase.wantVal)
			}
			if got := final.form.Get("type"); got != testCase.wantType {
				t.Fatalf("type = %q, want %q", got, testCase.wantType)
			}
			if got := final.form.Get("groupid"); got != fmt.Sprint(testCase.message.GroupID) {
				t.Fatalf("groupid = %q, want %d", got, testCase.message.GroupID)
			}
		})
	}
}

func TestSendCorrelationID(t *testing.T) {
	stub := &sendStub{}
	sender := newTestSender(t, stub, nil)

	if _, err := sender.Send(context.Background(), sendSession(false), Message{Type: TypeText, Content: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	requestID := stub.recorded()[0].form.Get("req_id")
	if len(requestID) != 32 {
		t.Fatalf("req_id length = %d, want 32", len(requestID))
	}
	for _, r := range requestID {
		alphanumeric := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !alphanumeric {
			t.Fatalf("req_id contains non-alphanumeric %q", r)
		}
	}
}

func TestSendScheduledUsesTimeSendAction(t *testing.T) {
	stub := &sendStub{}
	sender := newTestSender(t, stub, nil)

	if _, err := sender.Send(context.Background(), sendSession(false), Message{Type: TypeText, Content: "later", SendTime: 1800000000}); err != nil {
		t.Fatalf("send: %v", err)
	}
	final := stub.recorded()[0]
	if got := final.query.Get("action"); got != "time_send" {
		t.Fatalf("action = %q, want time_send", got)
	}
	if got := final.form.Get("send_time"); got != "1800000000" {
		t.Fatalf("send_time = %q, want 1800000000", got)
	}
}

func TestSendSurfacesResultError(t *testing.T) {
	stub := &sendStub{sendRet: 64004}
	sender := newTestSender(t, stub, nil)

	_, err := sender.Send(context.Background(), sendSession(false), Message{Type: TypeText, Content: "hi"})
	if !mpapi.IsCode(err, 64004) {
		t.Fatalf("expected result code 64004, got %v", err)
	}
}

func TestPreviewTargetsReviewer(t *testing.T) {
	stub := &sendStub{}
	sender := newTestSender(t, stub, nil)

	if _, err := sender.Preview(context.Background(), sendSession(false), "reviewer-account", Message{Type: TypeArticle, Content: "200001"}); err != nil {
		t.Fatalf("preview: %v", err)
	}
	request := stub.recorded()[0]
	if request.path != "/cgi-bin/operate_appmsg" {
		t.Fatalf("preview hit %s", request.path)
	}
	if got := request.form.Get("preusername"); got != "reviewer-account" {
		t.Fatalf("preusername = %q", got)
	}
	if got := request.form.Get("is_preview"); got != "1" {
		t.Fatalf("is_preview = %q, want 1", got)
	}
}

func TestSingleSendParameters(t *testing.T) {
	stub := &sendStub{}
	sender := newTestSender(t, stub, nil)

	if err := sender.SingleSend(context.Background(), sendSession(false), "fake-4711", "thanks", "99"); err != nil {
		t.Fatalf("single send: %v", err)
	}
	request := stub.recorded()[0]
	if request.path != "/cgi-bin/singlesend" {
		t.Fatalf("single send hit %s", request.path)
	}
	if got := request.form.Get("tofakeid"); got != "fake-4711" {
		t.Fatalf("tofakeid = %q", got)
	}
	if got := request.form.Get("quickReplyId"); got != "99" {
		t.Fatalf("quickReplyId = %q", got)
	}
}

func TestTimedSendsDecodesNestedQueue(t *testing.T) {
	stub := &sendStub{}
	sender := newTestSender(t, stub, nil)

	queue, err := sender.TimedSends(context.Background(), sendSession(false))
	if err != nil {
		t.Fatalf("timed sends: %v", err)
	}
	if len(queue) != 1 {
		t.Fatalf("decoded %d entries, want 1", len(queue))
	}
	entry := queue[0]
	if entry.MsgID != 7001 {
		t.Fatalf("msgid = %d, want 7001", entry.MsgID)
	}
	if !entry.SentInfo.IsSendAll {
		t.Fatal("is_send_all lost in decoding")
	}
	if entry.TextInfo.Content != "hello" {
		t.Fatalf("content = %q, want hello", entry.TextInfo.Content)
	}
}

func TestCancelTimedSend(t *testing.T) {
	stub := &sendStub{}
	sender := newTestSender(t, stub, nil)

	if err := sender.CancelTimedSend(context.Background(), sendSession(false), 7001); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	request := stub.recorded()[0]
	if request.path != "/cgi-bin/masssendpage" {
		t.Fatalf("cancel hit %s", request.path)
	}
	if got := request.query.Get("action"); got != "cancel_time_send" {
		t.Fatalf("action = %q", got)
	}
	if got := request.form.Get("id"); got != "7001" {
		t.Fatalf("id = %q, want 7001", got)
	}
}
