// Package broadcast gates and issues mass sends, previews, single
// sends and timed-send management against the console.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mpconsole/mpconsole/internal/mpapi"
	"github.com/mpconsole/mpconsole/internal/safeguard"
	"github.com/mpconsole/mpconsole/internal/session"
	"github.com/mpconsole/mpconsole/internal/transport"
)

// MessageType selects the payload kind of a broadcast.
type MessageType int

const (
	TypeText    MessageType = 1
	TypeImage   MessageType = 2
	TypeVoice   MessageType = 3
	TypeArticle MessageType = 10
	TypeVideo   MessageType = 15
)

// GroupAll broadcasts to every follower.
const GroupAll = -1

const (
	formatJSON          = "json"
	correlationIDLength = 32
	correlationAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Message describes one broadcast. Content carries the article ID, the
// text body, or the file ID depending on Type.
type Message struct {
	Type    MessageType
	Content string

	// GroupID limits the audience; GroupAll reaches everyone.
	GroupID int

	// SendTime schedules the broadcast (unix seconds); zero sends now.
	SendTime int64
}

// Authorizer yields a protected-broadcast grant. *safeguard.Machine
// implements it; tests substitute their own.
type Authorizer interface {
	Authorize(ctx context.Context, currentSession *session.Session) (safeguard.Grant, error)
}

// Config assembles a Sender. Transport is required; Authorizer is
// required for accounts flagged with protected broadcasts.
type Config struct {
	Transport  *transport.Client
	Endpoints  mpapi.Endpoints
	Authorizer Authorizer
	Logger     *zap.Logger
}

// Sender orchestrates the send path: advisory copyright pre-check,
// conditional authorization handshake, final send call.
type Sender struct {
	transport  *transport.Client
	endpoints  mpapi.Endpoints
	authorizer Authorizer
	logger     *zap.Logger
	rnd        *rand.Rand
}

// NewSender validates the configuration and builds a Sender.
func NewSender(configuration Config) (*Sender, error) {
	if configuration.Transport == nil {
		return nil, errors.New("broadcast: transport is required")
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		transport:  configuration.Transport,
		endpoints:  configuration.Endpoints,
		authorizer: configuration.Authorizer,
		logger:     logger,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Send issues one broadcast. Article sends run the advisory copyright
// pre-check first; protected accounts then pass through the
// authorization handshake before the final call is made.
func (s *Sender) Send(ctx context.Context, currentSession *session.Session, message Message) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("type", strconv.Itoa(int(message.Type)))
	params.Set("groupid", strconv.Itoa(message.GroupID))
	params.Set("send_time", strconv.FormatInt(message.SendTime, 10))
	switch message.Type {
	case TypeArticle:
		params.Set("appmsgid", message.Content)
	case TypeText:
		params.Set("content", message.Content)
	default:
		params.Set("fileid", message.Content)
	}

	if message.Type == TypeArticle {
		if err := s.copyrightPreCheck(ctx, currentSession, message.Content, int(message.Type)); err != nil {
			return nil, err
		}
	}

	if currentSession.ProtectedBroadcast {
		if s.authorizer == nil {
			return nil, errors.New("broadcast: account requires authorization but no authorizer configured")
		}
		grant, err := s.authorizer.Authorize(ctx, currentSession)
		if err != nil {
			return nil, err
		}
		params.Set("operation_seq", grant.OperationSeq)
		params.Set("code", grant.Code)
	} else {
		params.Set("operation_seq", currentSession.OperationSeq)
	}

	return s.finalSend(ctx, currentSession, params, message.SendTime > 0)
}

// copyrightPreCheck calls the check endpoint twice, first_check=1 then
// first_check=0, always both and always in that order. The platform
// treats the result as advisory here; only transport failure aborts.
func (s *Sender) copyrightPreCheck(ctx context.Context, currentSession *session.Session, articleID string, messageType int) error {
	for _, firstCheck := range []string{"1", "0"} {
		form := url.Values{}
		form.Set("token", currentSession.Token)
		form.Set("f", formatJSON)
		form.Set("ajax", "1")
		form.Set("first_check", firstCheck)
		form.Set("appmsgid", articleID)
		form.Set("type", strconv.Itoa(messageType))

		requestURL := s.endpoints.MassSend() + "?action=get_appmsg_copyright_stat&token=" + url.QueryEscape(currentSession.Token)
		var response mpapi.Response
		if err := s.transport.PostForm(ctx, requestURL, form, &response); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) finalSend(ctx context.Context, currentSession *session.Session, params url.Values, scheduled bool) (json.RawMessage, error) {
	form := url.Values{}
	form.Set("token", currentSession.Token)
	form.Set("f", formatJSON)
	form.Set("ajax", "1")
	form.Set("random", s.randomToken())
	form.Set("smart_product", "0")
	form.Set("cardlimit", "1")
	form.Set("sex", "0")
	form.Set("synctxweibo", "0")
	form.Set("direct_send", "1")
	form.Set("req_id", s.correlationID())
	form.Set("req_time", strconv.FormatInt(time.Now().UnixMilli(), 10))
	for key, values := range params {
		form[key] = values
	}

	requestURL := s.endpoints.MassSend() + "?t=ajax-response&token=" + url.QueryEscape(currentSession.Token)
	if scheduled {
		requestURL += "&action=time_send"
	}

	var response mpapi.Response
	if err := s.transport.PostForm(ctx, requestURL, form, &response); err != nil {
		return nil, err
	}
	if err := response.Err(); err != nil {
		s.logger.Error("broadcast refused", zap.Error(err))
		return nil, err
	}
	s.logger.Info("broadcast accepted")
	return response.Raw(), nil
}

// Preview sends the message to one reviewer account instead of the
// audience; no authorization handshake applies.
func (s *Sender) Preview(ctx context.Context, currentSession *session.Session, reviewer string, message Message) (json.RawMessage, error) {
	form := url.Values{}
	form.Set("token", currentSession.Token)
	form.Set("f", formatJSON)
	form.Set("ajax", "1")
	form.Set("random", s.randomToken())
	form.Set("type", strconv.Itoa(int(message.Type)))
	form.Set("preusername", reviewer)
	form.Set("is_preview", "1")
	switch message.Type {
	case TypeArticle:
		form.Set("appmsgid", message.Content)
	case TypeText:
		form.Set("content", message.Content)
	default:
		form.Set("fileid", message.Content)
	}

	requestURL := fmt.Sprintf("%s?t=ajax-appmsg-preview&token=%s&sub=preview&type=%d",
		s.endpoints.OperateAppMsg(), url.QueryEscape(currentSession.Token), message.Type)
	var response mpapi.Response
	if err := s.transport.PostForm(ctx, requestURL, form, &response); err != nil {
		return nil, err
	}
	if err := response.Err(); err != nil {
		return nil, err
	}
	return response.Raw(), nil
}

// SingleSend delivers a text reply to one follower.
func (s *Sender) SingleSend(ctx context.Context, currentSession *session.Session, followerID string, content string, replyID string) error {
	form := url.Values{}
	form.Set("token", currentSession.Token)
	form.Set("f", formatJSON)
	form.Set("ajax", "1")
	form.Set("random", s.randomToken())
	form.Set("type", strconv.Itoa(int(TypeText)))
	form.Set("content", content)
	form.Set("tofakeid", followerID)
	form.Set("quickReplyId", replyID)
	form.Set("imgcode", "")

	requestURL := s.endpoints.SingleSend() + "?t=ajax-response&f=json&token=" + url.QueryEscape(currentSession.Token)
	var response mpapi.Response
	if err := s.transport.PostForm(ctx, requestURL, form, &response); err != nil {
		return err
	}
	return response.Err()
}

// TimedMessage is one entry in the scheduled-broadcast queue.
type TimedMessage struct {
	Type     int   `json:"type"`
	MsgID    int64 `json:"msgid"`
	SentInfo struct {
		Time      int64 `json:"time"`
		IsSendAll bool  `json:"is_send_all"`
	} `json:"sent_info"`
	AppMsgInfo json.RawMessage `json:"appmsg_info"`
	TextInfo   struct {
		Content string `json:"content"`
	} `json:"text_info"`
}

type homeResponse struct {
	mpapi.Response
	TimeSendMsg string `json:"timesend_msg"`
}

// TimedSends lists broadcasts scheduled for later delivery.
func (s *Sender) TimedSends(ctx context.Context, currentSession *session.Session) ([]TimedMessage, error) {
	requestURL := s.endpoints.Home() + "?t=home/index&token=" + url.QueryEscape(currentSession.Token)
	var response homeResponse
	if err := s.transport.GetJSON(ctx, requestURL, &response); err != nil {
		return nil, err
	}
	if err := response.Err(); err != nil {
		return nil, err
	}

	// The queue arrives as a JSON document nested inside a string field.
	var queue struct {
		SentList []TimedMessage `json:"sent_list"`
	}
	if err := json.Unmarshal([]byte(response.TimeSendMsg), &queue); err != nil {
		return nil, fmt.Errorf("decode timed-send queue: %w", err)
	}
	return queue.SentList, nil
}

// CancelTimedSend removes one scheduled broadcast.
func (s *Sender) CancelTimedSend(ctx context.Context, currentSession *session.Session, msgID int64) error {
	form := url.Values{}
	form.Set("id", strconv.FormatInt(msgID, 10))
	form.Set("token", currentSession.Token)
	form.Set("f", formatJSON)
	form.Set("ajax", "1")

	requestURL := s.endpoints.MassSendPage() + "?action=cancel_time_send&token=" + url.QueryEscape(currentSession.Token)
	var response mpapi.Response
	if err := s.transport.PostForm(ctx, requestURL, form, &response); err != nil {
		return err
	}
	return response.Err()
}

func (s *Sender) randomToken() string {
	return strconv.FormatFloat(s.rnd.Float64(), 'f', -1, 64)
}

// correlationID produces the fixed-length alphanumeric request
// identifier the send endpoint expects.
func (s *Sender) correlationID() string {
	id := make([]byte, correlationIDLength)
	for i := range id {
		id[i] = correlationAlphabet[s.rnd.Intn(len(correlationAlphabet))]
	}
	return string(id)
}
