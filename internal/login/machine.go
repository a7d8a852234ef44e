// Package login drives the console's login handshake: credential
// submission, optional verification-code capture, QR-scan confirmation
// polling, token acquisition and the landing-page scrape that completes
// an authenticated session.
package login

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"path/filepath"
	"regexp"
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
	// DefaultPollInterval is the console's expected pacing for QR
	// confirmation probes.
	DefaultPollInterval = 3 * time.Second

	loginQRFileName          = "qrcode-login.png"
	verificationImageName    = "verifycode.png"
	loginQRParameter         = "4300"
	formatJSON               = "json"
	qrScanConfirmedStatus    = 1
	logFieldAttempt          = "attempt_id"
	logFieldIdentity         = "identity"
	errMessageMissingToken   = "finalize response carried no token"
	errMessageQRNotRequested = "login QR image request failed"
)

// ErrSessionExpired reports that no live session exists and a full
// login is required.
var ErrSessionExpired = errors.New("login: session expired")

// tokenPattern extracts the numeric session token from a redirect URL.
var tokenPattern = regexp.MustCompile(`token=(\d+)`)

// VerificationRequiredError asks the caller to obtain the solved
// verification text from the operator and invoke Login again with it.
// The image the operator must read has already been written and
// announced through the notifier.
type VerificationRequiredError struct {
	ImagePath string
	Result    *mpapi.ResultError
}

func (e *VerificationRequiredError) Error() string {
	return fmt.Sprintf("login: verification code required, image at %s", e.ImagePath)
}

func (e *VerificationRequiredError) Unwrap() error { return e.Result }

// Config assembles a Machine. Transport and Store are required.
type Config struct {
	Transport *transport.Client
	Endpoints mpapi.Endpoints
	Store     session.Store
	Notifier  prompt.Notifier
	Parser    PageParser
	Logger    *zap.Logger

	// PollInterval paces the QR confirmation probes. Zero selects
	// DefaultPollInterval.
	PollInterval time.Duration

	// ArtifactDir receives the QR and verification images.
	ArtifactDir string
}

// Machine is the login state machine. One Login call runs one attempt;
// the machine itself holds no per-attempt state and a caller must not
// run two attempts against the same session concurrently.
type Machine struct {
	transport    *transport.Client
	endpoints    mpapi.Endpoints
	store        session.Store
	notifier     prompt.Notifier
	parser       PageParser
	logger       *zap.Logger
	pollInterval time.Duration
	artifactDir  string
	rnd          *rand.Rand
}

// NewMachine validates the configuration and builds a Machine.
func NewMachine(configuration Config) (*Machine, error) {
	if configuration.Transport == nil {
		return nil, errors.New("login: transport is required")
	}
	store := configuration.Store
	if store == nil {
		store = session.NopStore{}
	}
	notifier := configuration.Notifier
	if notifier == nil {
		notifier = prompt.LogNotifier{}
	}
	parser := configuration.Parser
	if parser == nil {
		parser = RegexParser{}
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
		store:        store,
		notifier:     notifier,
		parser:       parser,
		logger:       logger,
		pollInterval: pollInterval,
		artifactDir:  configuration.ArtifactDir,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

type credentialResponse struct {
	mpapi.Response
	RedirectURL string `json:"redirect_url"`
}

type scanStatusResponse struct {
	Status int `json:"status"`
}

// Login runs one full login attempt: the cheap validity probe first,
// then credential submission, QR confirmation, token acquisition and
// the landing-page scrape. verificationCode is empty on the first call;
// when the attempt fails with *VerificationRequiredError the caller
// must re-invoke Login with the solved text.
func (m *Machine) Login(ctx context.Context, currentSession *session.Session, verificationCode string) error {
	if err := m.CheckSession(ctx, currentSession); err == nil {
		return nil
	} else if !errors.Is(err, ErrSessionExpired) {
		return err
	}

	attemptID := uuid.NewString()
	attemptLogger := m.logger.With(
		zap.String(logFieldAttempt, attemptID),
		zap.String(logFieldIdentity, currentSession.Identity))

	if err := m.submitCredentials(ctx, attemptLogger, currentSession, verificationCode); err != nil {
		return err
	}
	if err := m.waitForScan(ctx, attemptLogger); err != nil {
		return err
	}
	if err := m.finalize(ctx, attemptLogger, currentSession); err != nil {
		return err
	}
	if err := m.scrapeSessionData(ctx, attemptLogger, currentSession); err != nil {
		return err
	}
	attemptLogger.Info("login complete")
	return nil
}

// CheckSession re-validates an existing session without running the
// full handshake. An already-authenticated session passes immediately;
// a restored token is probed through the console's redirect chain; a
// missing token fails without any network traffic.
func (m *Machine) CheckSession(ctx context.Context, currentSession *session.Session) error {
	if currentSession.Authenticated {
		return nil
	}
	if currentSession.Token == "" {
		return ErrSessionExpired
	}

	finalLocation, err := m.transport.FinalLocation(ctx, m.endpoints.Base())
	if err != nil {
		return err
	}
	if !tokenPattern.MatchString(finalLocation) {
		return ErrSessionExpired
	}
	currentSession.Authenticated = true
	m.logger.Info("restored session still valid", zap.String(logFieldIdentity, currentSession.Identity))
	return nil
}

func (m *Machine) submitCredentials(ctx context.Context, logger *zap.Logger, currentSession *session.Session, verificationCode string) error {
	form := url.Values{}
	form.Set("username", currentSession.Identity)
	form.Set("pwd", currentSession.CredentialDigest)
	form.Set("imgcode", verificationCode)
	form.Set("f", formatJSON)

	var response credentialResponse
	if err := m.transport.PostForm(ctx, m.endpoints.BizLogin()+"?action=startlogin", form, &response); err != nil {
		return err
	}

	switch response.Ret() {
	case mpapi.RetOK:
		return m.issueLoginQR(ctx, logger)
	case mpapi.RetVerificationRequired:
		return m.issueVerificationImage(ctx, logger, currentSession, response.Err().(*mpapi.ResultError))
	default:
		err := response.Err()
		logger.Warn("credentials rejected", zap.Error(err))
		return err
	}
}

func (m *Machine) issueLoginQR(ctx context.Context, logger *zap.Logger) error {
	imagePath := filepath.Join(m.artifactDir, loginQRFileName)
	qrURL := m.endpoints.LoginQRCode() + "?action=getqrcode&param=" + loginQRParameter
	if err := m.transport.Download(ctx, qrURL, imagePath); err != nil {
		return fmt.Errorf("%s: %w", errMessageQRNotRequested, err)
	}
	logger.Info("scan the login QR to continue", zap.String("image", imagePath))
	m.notifier.Notify(ctx, prompt.Event{
		Kind:      prompt.KindScanToLogin,
		ImagePath: imagePath,
		IssuedAt:  time.Now(),
	})
	return nil
}

func (m *Machine) issueVerificationImage(ctx context.Context, logger *zap.Logger, currentSession *session.Session, result *mpapi.ResultError) error {
	imagePath := filepath.Join(m.artifactDir, verificationImageName)
	imageURL := fmt.Sprintf("%s?username=%s&r=%d",
		m.endpoints.VerifyCode(), url.QueryEscape(currentSession.Identity), time.Now().UnixMilli())
	if err := m.transport.Download(ctx, imageURL, imagePath); err != nil {
		return err
	}
	logger.Info("verification code required", zap.String("image", imagePath))
	m.notifier.Notify(ctx, prompt.Event{
		Kind:      prompt.KindVerificationCode,
		ImagePath: imagePath,
		IssuedAt:  time.Now(),
	})
	return &VerificationRequiredError{ImagePath: imagePath, Result: result}
}

// waitForScan probes the QR status endpoint at the configured interval
// until the console reports the scan, the transport fails, or ctx is
// cancelled. Confirmation latency is a human act, so there is no
// attempt bound; cancellation is the caller's escape hatch.
func (m *Machine) waitForScan(ctx context.Context, logger *zap.Logger) error {
	probes := 0
	for {
		statusURL := fmt.Sprintf("%s?action=ask&random=%s", m.endpoints.LoginQRCode(), m.randomToken())
		var status scanStatusResponse
		if err := m.transport.GetJSON(ctx, statusURL, &status); err != nil {
			return err
		}
		probes++
		if status.Status == qrScanConfirmedStatus {
			logger.Info("login QR confirmed", zap.Int("probes", probes))
			return nil
		}
		if err := sleepContext(ctx, m.pollInterval); err != nil {
			return err
		}
	}
}

// finalize exchanges the confirmed scan for the session token. The
// console reports a transient -1 on this endpoint when the token is not
// ready yet; the contract is to re-issue the identical request
// immediately until the code changes.
func (m *Machine) finalize(ctx context.Context, logger *zap.Logger, currentSession *session.Session) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		form := url.Values{}
		form.Set("f", formatJSON)
		form.Set("ajax", "1")
		form.Set("random", m.randomToken())

		var response credentialResponse
		if err := m.transport.PostForm(ctx, m.endpoints.BizLogin()+"?action=login", form, &response); err != nil {
			return err
		}
		switch response.Ret() {
		case mpapi.RetOK:
			tokenMatch := tokenPattern.FindStringSubmatch(response.RedirectURL)
			if tokenMatch == nil {
				return errors.New("login: " + errMessageMissingToken)
			}
			currentSession.Token = tokenMatch[1]
			logger.Info("session token acquired")
			return nil
		case mpapi.RetTransient:
			continue
		default:
			return response.Err()
		}
	}
}

func (m *Machine) scrapeSessionData(ctx context.Context, logger *zap.Logger, currentSession *session.Session) error {
	pageURL := m.endpoints.MassSendPage() + "?t=mass/send&token=" + url.QueryEscape(currentSession.Token)
	page, err := m.transport.GetPage(ctx, pageURL)
	if err != nil {
		return err
	}

	data, err := m.parser.Parse(page)
	if err != nil {
		return err
	}
	currentSession.Ticket = data.Ticket
	currentSession.IdentityTag = data.IdentityTag
	if data.OperationSeq != "" {
		currentSession.OperationSeq = data.OperationSeq
	}
	currentSession.ProtectedBroadcast = data.ProtectedBroadcast()
	currentSession.Authenticated = true

	if err := m.store.Save(ctx, currentSession); err != nil {
		logger.Warn("session snapshot save failed", zap.Error(err))
	}
	logger.Info("session data scraped",
		zap.String("identity_tag", currentSession.IdentityTag),
		zap.Bool("protected_broadcast", currentSession.ProtectedBroadcast))
	return nil
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
