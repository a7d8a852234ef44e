// Package safeguard implements the protected-broadcast authorization
// handshake: a short-lived ticket, a one-time identifier, a second QR
// scan distinct from the login one, and the confirmation code that the
// final send must carry.
//
// The handshake deliberately shares no state with the login machine;
// every protected broadcast demands a fresh human confirmation.
package safeguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpconsole/mpconsole/internal/mpapi"
	"github.com/mpconsole/mpconsole/internal/prompt"
	"github.com/mpconsole/mpconsole/internal/session"
	"github.com/mpconsole/mpconsole/internal/transport"
)

const (
	// DefaultPollInterval matches the login machine's confirmation
	// pacing; the two polling loops stay independent regardless.
	DefaultPollInterval = 3 * time.Second

	authorizationQRFileName = "qrcode-safe.png"
	formatJSON              = "json"
)

// ErrNoIdentifier reports that the identifier exchange came back
// without a one-time identifier; the send attempt cannot proceed.
var ErrNoIdentifier = errors.New("safeguard: response missing one-time identifier")

// Grant is what a completed handshake yields: the sequence counter and
// one-time code the final send parameters must include.
type Grant struct {
	OperationSeq string
	Code         string
}

// Config assembles a Machine. Transport is required.
type Config struct {
	Transport    *transport.Client
	Endpoints    mpapi.Endpoints
	Notifier     prompt.Notifier
	Logger       *zap.Logger
	PollInterval time.Duration
	ArtifactDir  string
}

// Machine runs one authorization handshake per Authorize call.
type Machine struct {
	transport    *transport.Client
	endpoints    mpapi.Endpoints
	notifier     prompt.Notifier
	logger       *zap.Logger
	pollInterval time.Duration
	artifactDir  string
	rnd          *rand.Rand
}

// NewMachine validates the configuration and builds a Machine.
func NewMachine(configuration Config) (*Machine, error) {
	if configuration.Transport == nil {
		return nil, errors.New("safeguard: transport is required")
	}
	notifier := configuration.Notifier
	if notifier == nil {
		notifier = prompt.LogNotifier{}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pollInterval := configuration.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Machine{
		transport:    configuration.Transport,
		endpoints:    configuration.Endpoints,
		notifier:     notifier,
		logger:       logger,
		pollInterval: pollInterval,
		artifactDir:  configuration.ArtifactDir,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

type ticketResponse struct {
	mpapi.Response
	Ticket       string      `json:"ticket"`
	OperationSeq json.Number `json:"operation_seq"`
}

type identifierResponse struct {
	mpapi.Response
	UUID string `json:"uuid"`
}

type confirmationResponse struct {
	mpapi.Response
	Code json.Number `json:"code"`
}

// Authorize runs the full handshake and returns the grant for one send
// attempt. Ticket and identifier failures are fatal to the attempt; the
// confirmation poll runs until the operator scans, the transport fails,
// or ctx is cancelled.
func (m *Machine) Authorize(ctx context.Context, currentSession *session.Session) (Grant, error) {
	attemptLogger := m.logger.With(zap.String("attempt_id", uuid.NewString()))

	ticket, operationSeq, err := m.requestTicket(ctx, attemptLogger, currentSession)
	if err != nil {
		return Grant{}, err
	}
	identifier, err := m.requestIdentifier(ctx, currentSession, ticket)
	if err != nil {
		return Grant{}, err
	}
	if err := m.issueAuthorizationQR(ctx, attemptLogger, ticket, identifier, operationSeq); err != nil {
		return Grant{}, err
	}
	code, err := m.waitForConfirmation(ctx, attemptLogger, currentSession, identifier)
	if err != nil {
		return Grant{}, err
	}
	return Grant{OperationSeq: operationSeq, Code: code}, nil
}

func (m *Machine) requestTicket(ctx context.Context, logger *zap.Logger, currentSession *session.Session) (string, string, error) {
	form := url.Values{}
	form.Set("token", currentSession.Token)
	form.Set("f", formatJSON)
	form.Set("ajax", "1")
	form.Set("random", m.randomToken())
	form.Set("action", "get_ticket")

	requestURL := m.endpoints.SafeAssistant() + "?1=1&token=" + url.QueryEscape(currentSession.Token)
	var response ticketResponse
	if err := m.transport.PostForm(ctx, requestURL, form, &response); err != nil {
		return "", "", err
	}
	if err := response.Err(); err != nil {
		logger.Warn("broadcast ticket refused", zap.Error(err))
		return "", "", fmt.Errorf("safeguard: ticket request: %w", err)
	}
	logger.Info("broadcast ticket issued")
	return response.Ticket, response.OperationSeq.String(), nil
}

func (m *Machine) requestIdentifier(ctx context.Context, currentSession *session.Session, ticket string) (string, error) {
	form := url.Values{}
	form.Set("token", currentSession.Token)
	form.Set("f", formatJSON)
	form.Set("ajax", "1")
	form.Set("random", m.randomToken())
	form.Set("state", "0")
	form.Set("login_type", "safe_center")
	form.Set("type", formatJSON)
	form.Set("ticket", ticket)

	requestURL := m.endpoints.SafeQRConnect() + "?1=1&token=" + url.QueryEscape(currentSession.Token)
	var response identifierResponse
	if err := m.transport.PostForm(ctx, requestURL, form, &response); err != nil {
		return "", err
	}
	if response.UUID == "" {
		return "", ErrNoIdentifier
	}
	return response.UUID, nil
}

func (m *Machine) issueAuthorizationQR(ctx context.Context, logger *zap.Logger, ticket string, identifier string, operationSeq string) error {
	imagePath := filepath.Join(m.artifactDir, authorizationQRFileName)
	qrURL := fmt.Sprintf("%s?action=check&type=msgs&ticket=%s&uuid=%s&msgid=%s",
		m.endpoints.SafeQRCode(), url.QueryEscape(ticket), url.QueryEscape(identifier), url.QueryEscape(operationSeq))
	if err := m.transport.Download(ctx, qrURL, imagePath); err != nil {
		return err
	}
	logger.Info("scan the authorization QR to release the broadcast", zap.String("image", imagePath))
	m.notifier.Notify(ctx, prompt.Event{
		Kind:      prompt.KindScanToAuthorize,
		ImagePath: imagePath,
		IssuedAt:  time.Now(),
	})
	return nil
}

// waitForConfirmation polls the confirmation endpoint until it reports
// errcode 405. On this endpoint 405 is the platform's confirmation
// signal, not a failure; any other code means the operator has not
// scanned yet.
func (m *Machine) waitForConfirmation(ctx context.Context, logger *zap.Logger, currentSession *session.Session, identifier string) (string, error) {
	probes := 0
	for {
		requestURL := fmt.Sprintf("%s?timespam=%d&token=%s",
			m.endpoints.SafeUUID(), time.Now().UnixMilli(), url.QueryEscape(currentSession.Token))
		form := url.Values{}
		form.Set("token", currentSession.Token)
		form.Set("f", formatJSON)
		form.Set("ajax", "1")
		form.Set("random", m.randomToken())
		form.Set("uuid", identifier)
		form.Set("action", formatJSON)
		form.Set("type", formatJSON)

		var response confirmationResponse
		if err := m.transport.PostForm(ctx, requestURL, form, &response); err != nil {
			return "", err
		}
		probes++
		if response.Ret() == mpapi.ErrCodeConfirmed {
			logger.Info("authorization QR confirmed", zap.Int("probes", probes))
			return response.Code.String(), nil
		}
		if err := sleepContext(ctx, m.pollInterval); err != nil {
			return "", err
		}
	}
}

func (m *Machine) randomToken() string {
	return strconv.FormatFloat(m.rnd.Float64(), 'f', -1, 64)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
