// Package audience reads follower and inbox data from the console.
package audience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/mpconsole/mpconsole/internal/mpapi"
	"github.com/mpconsole/mpconsole/internal/session"
	"github.com/mpconsole/mpconsole/internal/transport"
)

// Day filters for Messages. The console counts backwards from today;
// DayStarred selects bookmarked messages instead.
const (
	DayToday     = "0"
	DayYesterday = "1"
	DayEarlier   = "3"
	DayLastFive  = "7"
	DayStarred   = "star"
)

// ErrFollowerNotFound reports that no follower matches the identifier.
var ErrFollowerNotFound = errors.New("audience: follower not found")

// Follower is one subscriber of the account.
type Follower struct {
	OpenID     string          `json:"user_openid"`
	Name       string          `json:"user_name"`
	Remark     string          `json:"user_remark"`
	GroupIDs   json.RawMessage `json:"user_group_id"`
	CreateTime int64           `json:"user_create_time"`
	HeadImgURL string          `json:"user_head_img"`
}

// FollowerDetail extends Follower with the per-fan profile fields.
type FollowerDetail struct {
	Follower
	City               string `json:"user_city"`
	Country            string `json:"user_country"`
	Province           string `json:"user_province"`
	Signature          string `json:"user_signature"`
	Gender             int    `json:"user_gender"`
	CommentCount       int    `json:"user_comment_cnt"`
	ChosenCommentCount int    `json:"user_selected_comment_cnt"`
	MessageCount       int    `json:"user_msg_cnt"`
	InBlacklist        int    `json:"user_in_blacklist"`
}

// InboxMessage is one entry of the account's message list.
type InboxMessage struct {
	ID         int64           `json:"id"`
	Content    string          `json:"content"`
	DateTime   json.Number     `json:"date_time"`
	FakeID     string          `json:"fakeid"`
	NickName   string          `json:"nick_name"`
	Type       int             `json:"type"`
	HasReply   int             `json:"has_reply"`
	Source     string          `json:"source"`
	HeadImgURL string          `json:"wx_headimg_url"`
	MultiItem  json.RawMessage `json:"multi_item"`
}

// Config assembles a Service. Transport is required.
type Config struct {
	Transport *transport.Client
	Endpoints mpapi.Endpoints
	Logger    *zap.Logger
}

// Service reads audience data. It keeps the last follower listing as a
// cheap lookup cache for FollowerByID.
type Service struct {
	transport *transport.Client
	endpoints mpapi.Endpoints
	logger    *zap.Logger

	cachedFollowers []Follower
}

// NewService validates the configuration and builds a Service.
func NewService(configuration Config) (*Service, error) {
	if configuration.Transport == nil {
		return nil, errors.New("audience: transport is required")
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		transport: configuration.Transport,
		endpoints: configuration.Endpoints,
		logger:    logger,
	}, nil
}

type followerListResponse struct {
	mpapi.Response
	UserList struct {
		UserInfoList []Follower `json:"user_info_list"`
	} `json:"user_list"`
}

// Followers lists every subscriber, normalizing head images to the
// full-size variant.
func (s *Service) Followers(ctx context.Context, currentSession *session.Session) ([]Follower, error) {
	requestURL := s.endpoints.UserTag() + "?action=get_all_data&lang=zh_CN&f=json&token=" + url.QueryEscape(currentSession.Token)
	var response followerListResponse
	if err := s.transport.GetJSON(ctx, requestURL, &response); err != nil {
		return nil, err
	}
	if err := response.Err(); err != nil {
		return nil, err
	}

	followers := response.UserList.UserInfoList
	for i := range followers {
		if strings.HasSuffix(followers[i].HeadImgURL, "/64") {
			followers[i].HeadImgURL = strings.TrimSuffix(followers[i].HeadImgURL, "64") + "0"
		}
	}
	s.cachedFollowers = followers
	return followers, nil
}

// FollowerByID finds one follower, preferring the cached listing and
// refreshing it on a miss.
func (s *Service) FollowerByID(ctx context.Context, currentSession *session.Session, openID string) (Follower, error) {
	if follower, ok := findFollower(s.cachedFollowers, openID); ok {
		return follower, nil
	}
	followers, err := s.Followers(ctx, currentSession)
	if err != nil {
		return Follower{}, err
	}
	if follower, ok := findFollower(followers, openID); ok {
		return follower, nil
	}
	return Follower{}, fmt.Errorf("%w: %s", ErrFollowerNotFound, openID)
}

func findFollower(followers []Follower, openID string) (Follower, bool) {
	for _, follower := range followers {
		if follower.OpenID == openID {
			return follower, true
		}
	}
	return Follower{}, false
}

type followerDetailResponse struct {
	mpapi.Response
	UserList struct {
		UserInfoList []FollowerDetail `json:"user_info_list"`
	} `json:"user_list"`
}

// FollowerDetail fetches the full profile for one follower.
func (s *Service) FollowerDetail(ctx context.Context, currentSession *session.Session, openID string) (FollowerDetail, error) {
	form := url.Values{}
	form.Set("token", currentSession.Token)
	form.Set("user_openid", openID)

	requestURL := s.endpoints.UserTag() + "?action=get_fans_info"
	var response followerDetailResponse
	if err := s.transport.PostForm(ctx, requestURL, form, &response); err != nil {
		return FollowerDetail{}, err
	}
	if err := response.Err(); err != nil {
		return FollowerDetail{}, err
	}
	if len(response.UserList.UserInfoList) == 0 {
		return FollowerDetail{}, fmt.Errorf("%w: %s", ErrFollowerNotFound, openID)
	}
	return response.UserList.UserInfoList[0], nil
}

type messageListResponse struct {
	mpapi.Response
	MsgItems string `json:"msg_items"`
}

// Messages lists inbox messages for the given day filter.
func (s *Service) Messages(ctx context.Context, currentSession *session.Session, count int, day string) ([]InboxMessage, error) {
	requestURL := fmt.Sprintf(
		"%s?t=message/list&f=json&filtertype=0&filterivrmsg=0&filterspammsg=0&count=%d&token=%s",
		s.endpoints.Message(), count, url.QueryEscape(currentSession.Token))
	if day == DayStarred {
		requestURL += "&action=star"
	} else {
		requestURL += "&day=" + url.QueryEscape(day)
	}

	var response messageListResponse
	if err := s.transport.GetJSON(ctx, requestURL, &response); err != nil {
		return nil, err
	}
	if err := response.Err(); err != nil {
		return nil, err
	}

	// The message list arrives as a JSON document nested in a string.
	var items struct {
		MsgItem []InboxMessage `json:"msg_item"`
	}
	if err := json.Unmarshal([]byte(response.MsgItems), &items); err != nil {
		return nil, fmt.Errorf("decode message list: %w", err)
	}
	return items.MsgItem, nil
}
