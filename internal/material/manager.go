// Package material manages the console's content library: article and
// file listings, article creation with its image-upload pipeline, and
// the upload endpoints themselves.
package material

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mpconsole/mpconsole/internal/mpapi"
	"github.com/mpconsole/mpconsole/internal/session"
	"github.com/mpconsole/mpconsole/internal/transport"
)

const (
	// Article listing kinds.
	ListKindArticle = 10
	ListKindVideo   = 15

	// File listing kinds.
	FileKindImage = 2
	FileKindVoice = 3

	formatJSON           = "json"
	defaultUploadWorkers = 4
)

// ErrNoThumbnail rejects an article batch in which no article carries a
// thumbnail; the console requires at least one cover image.
var ErrNoThumbnail = errors.New("material: at least one article needs a thumbnail")

// Article is one piece of a multi-article post.
type Article struct {
	Title       string
	ThumbURL    string
	Description string
	HTML        string
	SourceURL   string
	FileID      string

	cdnURL string
}

// ArticleSummary is one listing entry.
type ArticleSummary struct {
	AppMsgID   int64           `json:"app_msg_id"`
	Author     string          `json:"author"`
	Title      string          `json:"title"`
	Digest     string          `json:"digest"`
	ImgURL     string          `json:"img_url"`
	CreateTime json.Number     `json:"create_time"`
	UpdateTime json.Number     `json:"update_time"`
	MultiItem  json.RawMessage `json:"multi_item"`
}

// FileSummary is one media-library entry.
type FileSummary struct {
	CDNURL     string      `json:"cdn_url"`
	FileID     int64       `json:"file_id"`
	GroupID    int         `json:"group_id"`
	Name       string      `json:"name"`
	Size       string      `json:"size"`
	Type       int         `json:"type"`
	UpdateTime json.Number `json:"update_time"`
}

// UploadResult identifies an uploaded file in the library.
type UploadResult struct {
	FileID json.Number `json:"fileid"`
	CDNURL string      `json:"cdn_url"`
}

// Config assembles a Manager. Transport is required.
type Config struct {
	Transport *transport.Client
	Endpoints mpapi.Endpoints
	Logger    *zap.Logger

	// UploadDir receives temporary copies of remote files before they
	// are pushed to the library.
	UploadDir string

	// UploadWorkers bounds parallel image uploads; zero selects a
	// small default.
	UploadWorkers int
}

// Manager talks to the content-library endpoints.
type Manager struct {
	transport     *transport.Client
	endpoints     mpapi.Endpoints
	logger        *zap.Logger
	uploadDir     string
	uploadWorkers int
}

// NewManager validates the configuration and builds a Manager.
func NewManager(configuration Config) (*Manager, error) {
	if configuration.Transport == nil {
		return nil, errors.New("material: transport is required")
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	uploadWorkers := configuration.UploadWorkers
	if uploadWorkers <= 0 {
		uploadWorkers = defaultUploadWorkers
	}
	return &Manager{
		transport:     configuration.Transport,
		endpoints:     configuration.Endpoints,
		logger:        logger,
		uploadDir:     configuration.UploadDir,
		uploadWorkers: uploadWorkers,
	}, nil
}

type articleListResponse struct {
	mpapi.Response
	AppMsgInfo struct {
		Item []ArticleSummary `json:"item"`
	} `json:"app_msg_info"`
}

// ListArticles pages through the article library. kind selects articles
// or videos.
func (m *Manager) ListArticles(ctx context.Context, currentSession *session.Session, kind int, begin int, count int) ([]ArticleSummary, error) {
	action := "list_card"
	if kind == ListKindVideo {
		action = "list_video"
	}
	requestURL := fmt.Sprintf("%s?begin=%d&count=%d&type=%d&token=%s&action=%s",
		m.endpoints.AppMsg(), begin, count, kind, url.QueryEscape(currentSession.Token), action)

	var response articleListResponse
	if err := m.transport.GetJSON(ctx, requestURL, &response); err != nil {
		return nil, err
	}
	if err := response.Err(); err != nil {
		return nil, err
	}
	return response.AppMsgInfo.Item, nil
}

type fileListResponse struct {
	mpapi.Response
	PageInfo struct {
		FileItem []FileSummary `json:"file_item"`
	} `json:"page_info"`
}

// ListFiles pages through the media library. groupID narrows image
// listings to one folder; zero lists everything.
func (m *Manager) ListFiles(ctx context.Context, currentSession *session.Session, kind int, begin int, count int, groupID int) ([]FileSummary, error) {
	requestURL := fmt.Sprintf("%s?begin=%d&count=%d&type=%d&token=%s&group_id=%d",
		m.endpoints.FilePage(), begin, count, kind, url.QueryEscape(currentSession.Token), groupID)

	var response fileListResponse
	if err := m.transport.GetJSON(ctx, requestURL, &response); err != nil {
		return nil, err
	}
	if err := response.Err(); err != nil {
		return nil, err
	}
	return response.PageInfo.FileItem, nil
}

// CreateArticles publishes a new multi-article post, or updates the
// post identified by appMsgID when it is non-empty. Every referenced
// external image is first pushed to the platform CDN and the article
// HTML rewritten to point at the uploaded copies.
func (m *Manager) CreateArticles(ctx context.Context, currentSession *session.Session, articles []Article, appMsgID string) (string, error) {
	prepared := make([]Article, 0, len(articles))
	for _, article := range articles {
		if article.ThumbURL == "" {
			continue
		}
		prepared = append(prepared, article)
	}
	if len(prepared) == 0 {
		return "", ErrNoThumbnail
	}

	for i := range prepared {
		if err := m.prepareArticleImages(ctx, currentSession, &prepared[i]); err != nil {
			return "", err
		}
	}

	form := url.Values{}
	form.Set("token", currentSession.Token)
	form.Set("f", formatJSON)
	form.Set("ajax", "1")
	form.Set("random", strconv.FormatInt(time.Now().UnixNano(), 10))
	form.Set("count", strconv.Itoa(len(prepared)))
	if appMsgID != "" {
		form.Set("AppMsgId", appMsgID)
	}
	for i, article := range prepared {
		mergeValues(form, articleParams(article, i))
	}

	operation := "create"
	if appMsgID != "" {
		operation = "update"
	}
	requestURL := fmt.Sprintf("%s?t=ajax-response&sub=%s&type=%d&token=%s",
		m.endpoints.OperateAppMsg(), operation, ListKindArticle, url.QueryEscape(currentSession.Token))
	referer := fmt.Sprintf("%s?t=media/appmsg_edit&action=edit&type=%d&isMul=1&isNew=1&token=%s",
		m.endpoints.AppMsg(), ListKindArticle, url.QueryEscape(currentSession.Token))

	var response struct {
		mpapi.Response
		AppMsgID json.Number `json:"appMsgId"`
	}
	if err := m.transport.PostFormReferer(ctx, requestURL, referer, form, &response); err != nil {
		return "", err
	}
	if err := response.Err(); err != nil {
		m.logger.Error("article publish refused", zap.Error(err))
		return "", err
	}
	return response.AppMsgID.String(), nil
}

// prepareArticleImages uploads the article's external images and its
// thumbnail in parallel, then rewrites the HTML to the CDN copies.
func (m *Manager) prepareArticleImages(ctx context.Context, currentSession *session.Session, article *Article) error {
	sources := externalImageSources(article.HTML)

	uploaded := make([]string, len(sources))
	var thumbCDN string

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.uploadWorkers)
	for i, source := range sources {
		i, source := i, source
		group.Go(func() error {
			cdnURL, err := m.UploadRemoteImage(groupCtx, currentSession, source)
			if err != nil {
				return err
			}
			uploaded[i] = cdnURL
			return nil
		})
	}
	group.Go(func() error {
		cdnURL, err := m.UploadRemoteImage(groupCtx, currentSession, article.ThumbURL)
		if err != nil {
			return err
		}
		thumbCDN = cdnURL
		return nil
	})
	if err := group.Wait(); err != nil {
		return err
	}

	for i, source := range sources {
		article.HTML = replaceImageSource(article.HTML, source, uploaded[i])
	}
	article.cdnURL = thumbCDN
	return nil
}

type cdnUploadResponse struct {
	mpapi.Response
	URL string `json:"url"`
}

// UploadRemoteImage pushes one remote image to the platform CDN and
// returns the CDN URL.
func (m *Manager) UploadRemoteImage(ctx context.Context, currentSession *session.Session, imageURL string) (string, error) {
	form := url.Values{}
	form.Set("imgurl", imageURL)
	form.Set("t", "ajax-editor-upload-img")

	requestURL := m.endpoints.UploadImgToCDN() + "?token=" + url.QueryEscape(currentSession.Token)
	var response cdnUploadResponse
	if err := m.transport.PostForm(ctx, requestURL, form, &response); err != nil {
		return "", err
	}
	if err := response.Err(); err != nil {
		return "", err
	}
	return response.URL, nil
}

// BatchUpload transfers several remote images into the media library in
// parallel, preserving input order in the results.
func (m *Manager) BatchUpload(ctx context.Context, currentSession *session.Session, imageURLs []string) ([]UploadResult, error) {
	results := make([]UploadResult, len(imageURLs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.uploadWorkers)
	for i, imageURL := range imageURLs {
		i, imageURL := i, imageURL
		group.Go(func() error {
			result, err := m.TransferRemote(groupCtx, currentSession, imageURL)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// TransferRemote downloads a remote image to the upload directory and
// pushes the copy into the media library.
func (m *Manager) TransferRemote(ctx context.Context, currentSession *session.Session, imageURL string) (UploadResult, error) {
	localPath := filepath.Join(m.uploadDir, fmt.Sprintf("%d.png", time.Now().UnixNano()))
	if err := m.transport.Download(ctx, imageURL, localPath); err != nil {
		return UploadResult{}, err
	}
	defer os.Remove(localPath)
	return m.LocalUpload(ctx, currentSession, localPath)
}

type localUploadResponse struct {
	mpapi.Response
	Content json.Number `json:"content"`
	CDNURL  string      `json:"cdn_url"`
}

// LocalUpload pushes a local file into the media library. The endpoint
// binds the upload to the scraped ticket and identity tag.
func (m *Manager) LocalUpload(ctx context.Context, currentSession *session.Session, filePath string) (UploadResult, error) {
	requestURL := fmt.Sprintf(
		"%s?action=upload_material&f=json&scene=1&writetype=doublewrite&groupid=1&ticket_id=%s&ticket=%s&svr_time=%d&seq=1&token=%s",
		m.endpoints.FileTransfer(),
		url.QueryEscape(currentSession.IdentityTag),
		url.QueryEscape(currentSession.Ticket),
		time.Now().Unix(),
		url.QueryEscape(currentSession.Token))
	referer := fmt.Sprintf("%s?type=%d&begin=0&count=12&t=media/img_list&token=%s",
		m.endpoints.FilePage(), FileKindImage, url.QueryEscape(currentSession.Token))

	var response localUploadResponse
	if err := m.transport.UploadFile(ctx, requestURL, referer, "file", filePath, &response); err != nil {
		return UploadResult{}, err
	}
	if err := response.Err(); err != nil {
		return UploadResult{}, err
	}
	return UploadResult{FileID: response.Content, CDNURL: response.CDNURL}, nil
}

type previewLinkResponse struct {
	mpapi.Response
	TempURL string `json:"temp_url"`
}

// PreviewLink returns a temporary reader-facing URL for one article of
// a post.
func (m *Manager) PreviewLink(ctx context.Context, currentSession *session.Session, appMsgID string, itemIndex int) (string, error) {
	if itemIndex <= 0 {
		itemIndex = 1
	}
	requestURL := fmt.Sprintf("%s?action=get_temp_url&appmsgid=%s&itemidx=%d&token=%s",
		m.endpoints.AppMsg(), url.QueryEscape(appMsgID), itemIndex, url.QueryEscape(currentSession.Token))

	var response previewLinkResponse
	if err := m.transport.GetJSON(ctx, requestURL, &response); err != nil {
		return "", err
	}
	if err := response.Err(); err != nil {
		return "", err
	}
	return response.TempURL, nil
}
