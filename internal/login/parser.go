package login

import (
	"errors"
	"regexp"
	"strconv"
)

// ErrPageLayoutChanged reports that the post-login landing page loaded
// but the mandatory fields could not be found in it, which usually
// means the console markup diverged from what this parser expects.
var ErrPageLayoutChanged = errors.New("login: landing page missing ticket or account name")

// PageData is what the landing page yields. Ticket and IdentityTag are
// mandatory; the rest is optional.
type PageData struct {
	Ticket        string
	IdentityTag   string
	OperationSeq  string
	ProtectStatus int
}

// protectedBroadcastBit is the protect_status bit that forces the
// authorization handshake before every mass send.
const protectedBroadcastBit = 2

// ProtectedBroadcast reports whether the scraped bitmask flags the
// account for protected broadcasts.
func (d PageData) ProtectedBroadcast() bool {
	return d.ProtectStatus&protectedBroadcastBit == protectedBroadcastBit
}

// PageParser extracts session fields from the raw landing page. It is
// an injection point so a markup change stays contained here.
type PageParser interface {
	Parse(page string) (PageData, error)
}

var (
	ticketPattern        = regexp.MustCompile(`ticket:"([\s\S]*?)"`)
	identityTagPattern   = regexp.MustCompile(`user_name:"([\s\S]*?)"`)
	operationSeqPattern  = regexp.MustCompile(`operation_seq:\s*"(\d+)"`)
	protectStatusPattern = regexp.MustCompile(`"protect_status":(\d+)`)
)

// RegexParser is the default PageParser, matching the inline script
// blob the console embeds in its mass-send page.
type RegexParser struct{}

// Parse implements PageParser.
func (RegexParser) Parse(page string) (PageData, error) {
	ticketMatch := ticketPattern.FindStringSubmatch(page)
	identityMatch := identityTagPattern.FindStringSubmatch(page)
	if ticketMatch == nil || identityMatch == nil {
		return PageData{}, ErrPageLayoutChanged
	}

	data := PageData{
		Ticket:      ticketMatch[1],
		IdentityTag: identityMatch[1],
	}
	if operationMatch := operationSeqPattern.FindStringSubmatch(page); operationMatch != nil {
		data.OperationSeq = operationMatch[1]
	}
	if protectMatch := protectStatusPattern.FindStringSubmatch(page); protectMatch != nil {
		if status, err := strconv.Atoi(protectMatch[1]); err == nil {
			data.ProtectStatus = status
		}
	}
	return data, nil
}
