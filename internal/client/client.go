// Package client is the facade over the console machines: one Client
// per account, with every privileged operation gated behind a live
// session the way the console itself gates them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mpconsole/mpconsole/internal/audience"
	"github.com/mpconsole/mpconsole/internal/broadcast"
	"github.com/mpconsole/mpconsole/internal/login"
	"github.com/mpconsole/mpconsole/internal/material"
	"github.com/mpconsole/mpconsole/internal/mpapi"
	"github.com/mpconsole/mpconsole/internal/prompt"
	"github.com/mpconsole/mpconsole/internal/safeguard"
	"github.com/mpconsole/mpconsole/internal/session"
	"github.com/mpconsole/mpconsole/internal/transport"
)

const loginFlightKey = "login"

// Config assembles a Client. Identity and Secret are required.
type Config struct {
	Identity string
	Secret   string

	// BaseURL overrides the console origin; empty selects production.
	BaseURL string

	// Store persists session snapshots; nil disables persistence.
	Store session.Store

	// Notifier receives the human-interaction prompts; nil logs them.
	Notifier prompt.Notifier

	// ArtifactDir receives QR and verification images.
	ArtifactDir string

	// UploadDir receives temporary copies of remote media.
	UploadDir string

	// PollInterval paces both QR confirmation loops.
	PollInterval time.Duration

	Transport *transport.Client
	Logger    *zap.Logger
}

// Client drives one console account.
type Client struct {
	currentSession *session.Session
	store          session.Store
	loginMachine   *login.Machine
	sender         *broadcast.Sender
	library        *material.Manager
	audience       *audience.Service
	logger         *zap.Logger

	// loginFlight collapses concurrent login attempts into one run so
	// racing callers cannot interleave session writes.
	loginFlight singleflight.Group
}

// New builds a Client, restoring any persisted snapshot for the
// account. The restored token is only trusted after the validity probe
// inside the first Login call.
func New(ctx context.Context, configuration Config) (*Client, error) {
	if configuration.Identity == "" {
		return nil, errors.New("client: identity is required")
	}
	if configuration.Secret == "" {
		return nil, errors.New("client: secret is required")
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := configuration.Store
	if store == nil {
		store = session.NopStore{}
	}

	httpTransport := configuration.Transport
	if httpTransport == nil {
		var err error
		httpTransport, err = transport.New(transport.Config{
			UserAgent: mpapi.DefaultUserAgent,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
	}
	endpoints := mpapi.NewEndpoints(configuration.BaseURL)

	currentSession := session.New(configuration.Identity, configuration.Secret)
	snapshot, err := store.Load(ctx, configuration.Identity)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}
	currentSession.Restore(snapshot)

	loginMachine, err := login.NewMachine(login.Config{
		Transport:    httpTransport,
		Endpoints:    endpoints,
		Store:        store,
		Notifier:     configuration.Notifier,
		Logger:       logger,
		PollInterval: configuration.PollInterval,
		ArtifactDir:  configuration.ArtifactDir,
	})
	if err != nil {
		return nil, err
	}
	authorizer, err := safeguard.NewMachine(safeguard.Config{
		Transport:    httpTransport,
		Endpoints:    endpoints,
		Notifier:     configuration.Notifier,
		Logger:       logger,
		PollInterval: configuration.PollInterval,
		ArtifactDir:  configuration.ArtifactDir,
	})
	if err != nil {
		return nil, err
	}
	sender, err := broadcast.NewSender(broadcast.Config{
		Transport:  httpTransport,
		Endpoints:  endpoints,
		Authorizer: authorizer,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	library, err := material.NewManager(material.Config{
		Transport: httpTransport,
		Endpoints: endpoints,
		Logger:    logger,
		UploadDir: configuration.UploadDir,
	})
	if err != nil {
		return nil, err
	}
	audienceService, err := audience.NewService(audience.Config{
		Transport: httpTransport,
		Endpoints: endpoints,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		currentSession: currentSession,
		store:          store,
		loginMachine:   loginMachine,
		sender:         sender,
		library:        library,
		audience:       audienceService,
		logger:         logger,
	}, nil
}

// Session returns a copy of the current session state.
func (c *Client) Session() session.Session { return *c.currentSession }

// Login authenticates the account. When it fails with
// *login.VerificationRequiredError the caller obtains the solved
// verification text from the operator and calls Login again with it.
func (c *Client) Login(ctx context.Context, verificationCode string) error {
	_, err, _ := c.loginFlight.Do(loginFlightKey, func() (any, error) {
		return nil, c.loginMachine.Login(ctx, c.currentSession, verificationCode)
	})
	return err
}

// ensureLogin gates a privileged operation: a live session passes
// through, anything else runs a full login (which may suspend on a
// human QR scan).
func (c *Client) ensureLogin(ctx context.Context) error {
	if c.currentSession.Authenticated {
		return nil
	}
	return c.Login(ctx, "")
}

// Send broadcasts a message to the audience.
func (c *Client) Send(ctx context.Context, message broadcast.Message) (json.RawMessage, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}
	return c.sender.Send(ctx, c.currentSession, message)
}

// Preview delivers the message to one reviewer account.
func (c *Client) Preview(ctx context.Context, reviewer string, message broadcast.Message) (json.RawMessage, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}
	return c.sender.Preview(ctx, c.currentSession, reviewer, message)
}

// SingleSend replies to one follower.
func (c *Client) SingleSend(ctx context.Context, followerID string, content string, replyID string) error {
	if err := c.ensureLogin(ctx); err != nil {
		return err
	}
	return c.sender.SingleSend(ctx, c.currentSession, followerID, content, replyID)
}

// TimedSends lists scheduled broadcasts.
func (c *Client) TimedSends(ctx context.Context) ([]broadcast.TimedMessage, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}
	return c.sender.TimedSends(ctx, c.currentSession)
}

// CancelTimedSend removes one scheduled broadcast.
func (c *Client) CancelTimedSend(ctx context.Context, msgID int64) error {
	if err := c.ensureLogin(ctx); err != nil {
		return err
	}
	return c.sender.CancelTimedSend(ctx, c.currentSession, msgID)
}

// CreateArticles publishes or updates a multi-article post.
func (c *Client) CreateArticles(ctx context.Context, articles []material.Article, appMsgID string) (string, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return "", err
	}
	return c.library.CreateArticles(ctx, c.currentSession, articles, appMsgID)
}

// ListArticles pages through the article library.
func (c *Client) ListArticles(ctx context.Context, kind int, begin int, count int) ([]material.ArticleSummary, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}
	return c.library.ListArticles(ctx, c.currentSession, kind, begin, count)
}

// ListFiles pages through the media library.
func (c *Client) ListFiles(ctx context.Context, kind int, begin int, count int, groupID int) ([]material.FileSummary, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}
	return c.library.ListFiles(ctx, c.currentSession, kind, begin, count, groupID)
}

// BatchUpload transfers remote images into the media library.
func (c *Client) BatchUpload(ctx context.Context, imageURLs []string) ([]material.UploadResult, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}
	return c.library.BatchUpload(ctx, c.currentSession, imageURLs)
}

// LocalUpload pushes a local file into the media library.
func (c *Client) LocalUpload(ctx context.Context, filePath string) (material.UploadResult, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return material.UploadResult{}, err
	}
	return c.library.LocalUpload(ctx, c.currentSession, filePath)
}

// PreviewLink returns a temporary reader URL for one article.
func (c *Client) PreviewLink(ctx context.Context, appMsgID string, itemIndex int) (string, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return "", err
	}
	return c.library.PreviewLink(ctx, c.currentSession, appMsgID, itemIndex)
}

// Followers lists every subscriber.
func (c *Client) Followers(ctx context.Context) ([]audience.Follower, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}
	return c.audience.Followers(ctx, c.currentSession)
}

// FollowerByID finds one follower.
func (c *Client) FollowerByID(ctx context.Context, openID string) (audience.Follower, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return audience.Follower{}, err
	}
	return c.audience.FollowerByID(ctx, c.currentSession, openID)
}

// FollowerDetail fetches one follower's full profile.
func (c *Client) FollowerDetail(ctx context.Context, openID string) (audience.FollowerDetail, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return audience.FollowerDetail{}, err
	}
	return c.audience.FollowerDetail(ctx, c.currentSession, openID)
}

// Messages lists inbox messages.
func (c *Client) Messages(ctx context.Context, count int, day string) ([]audience.InboxMessage, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}
	return c.audience.Messages(ctx, c.currentSession, count, day)
}
