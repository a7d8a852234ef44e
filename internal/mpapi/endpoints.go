package mpapi

import "strings"

const (
	// DefaultBaseURL is the production admin console origin.
	DefaultBaseURL = "https://mp.weixin.qq.com"

	// DefaultUserAgent mirrors a desktop browser; the console rejects
	// requests with obviously non-browser agents.
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_13_3) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/64.0.3282.140 Safari/537.36"

	pathHome           = "/cgi-bin/home"
	pathMassSendPage   = "/cgi-bin/masssendpage"
	pathBizLogin       = "/cgi-bin/bizlogin"
	pathLoginQRCode    = "/cgi-bin/loginqrcode"
	pathOperateAppMsg  = "/cgi-bin/operate_appmsg"
	pathAppMsg         = "/cgi-bin/appmsg"
	pathFileTransfer   = "/cgi-bin/filetransfer"
	pathFilePage       = "/cgi-bin/filepage"
	pathMassSend       = "/cgi-bin/masssend"
	pathSingleSend     = "/cgi-bin/singlesend"
	pathMessage        = "/cgi-bin/message"
	pathUploadImgToCDN = "/cgi-bin/uploadimg2cdn"
	pathVerifyCode     = "/cgi-bin/verifycode"
	pathUserTag        = "/cgi-bin/user_tag"
	pathSafeAssistant  = "/misc/safeassistant"
	pathSafeQRConnect  = "/safe/safeqrconnect"
	pathSafeQRCode     = "/safe/safeqrcode"
	pathSafeUUID       = "/safe/safeuuid"
)

// Endpoints resolves console CGI paths against a base URL. The zero value
// is not usable; construct via NewEndpoints.
type Endpoints struct {
	base string
}

// NewEndpoints builds an endpoint table for the given origin. An empty
// origin selects DefaultBaseURL.
func NewEndpoints(baseURL string) Endpoints {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	return Endpoints{base: trimmed}
}

// Base returns the console origin without a trailing slash.
func (e Endpoints) Base() string { return e.base }

func (e Endpoints) Home() string           { return e.base + pathHome }
func (e Endpoints) MassSendPage() string   { return e.base + pathMassSendPage }
func (e Endpoints) BizLogin() string       { return e.base + pathBizLogin }
func (e Endpoints) LoginQRCode() string    { return e.base + pathLoginQRCode }
func (e Endpoints) OperateAppMsg() string  { return e.base + pathOperateAppMsg }
func (e Endpoints) AppMsg() string         { return e.base + pathAppMsg }
func (e Endpoints) FileTransfer() string   { return e.base + pathFileTransfer }
func (e Endpoints) FilePage() string       { return e.base + pathFilePage }
func (e Endpoints) MassSend() string       { return e.base + pathMassSend }
func (e Endpoints) SingleSend() string     { return e.base + pathSingleSend }
func (e Endpoints) Message() string        { return e.base + pathMessage }
func (e Endpoints) UploadImgToCDN() string { return e.base + pathUploadImgToCDN }
func (e Endpoints) VerifyCode() string     { return e.base + pathVerifyCode }
func (e Endpoints) UserTag() string        { return e.base + pathUserTag }
func (e Endpoints) SafeAssistant() string  { return e.base + pathSafeAssistant }
func (e Endpoints) SafeQRConnect() string  { return e.base + pathSafeQRConnect }
func (e Endpoints) SafeQRCode() string     { return e.base + pathSafeQRCode }
func (e Endpoints) SafeUUID() string       { return e.base + pathSafeUUID }
