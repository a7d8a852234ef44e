package material

import (
	"regexp"
	"strings"
)

var imgSourcePattern = regexp.MustCompile(`<img[^>]+src=['"]([^'"]+)['"]`)

// platformHostedPatterns match image origins already served from the
// platform's CDN; re-uploading those is rejected by the console.
var platformHostedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^http(s)?://mmbiz\.qpic\.cn([/?].*)*$`),
	regexp.MustCompile(`(?i)^http(s)?://mmbiz\.qlogo\.cn([/?].*)*$`),
	regexp.MustCompile(`(?i)^http(s)?://m\.qpic\.cn([/?].*)*$`),
	regexp.MustCompile(`(?i)^http(s)?://mmsns\.qpic\.cn([/?].*)*$`),
	regexp.MustCompile(`(?i)^http(s)?://mp\.weixin\.qq\.com([/?].*)*$`),
	regexp.MustCompile(`(?i)^http(s)?://(a|b)(\d)+\.photo\.store\.qq\.com([/?].*)*$`),
}

// externalImageSources returns the distinct non-platform image URLs
// referenced by the article HTML, in document order.
func externalImageSources(articleHTML string) []string {
	var sources []string
	seen := make(map[string]struct{})
	for _, match := range imgSourcePattern.FindAllStringSubmatch(articleHTML, -1) {
		imageURL := match[1]
		if _, duplicate := seen[imageURL]; duplicate {
			continue
		}
		if isPlatformHosted(imageURL) {
			continue
		}
		seen[imageURL] = struct{}{}
		sources = append(sources, imageURL)
	}
	return sources
}

func isPlatformHosted(imageURL string) bool {
	for _, pattern := range platformHostedPatterns {
		if pattern.MatchString(imageURL) {
			return true
		}
	}
	return false
}

// replaceImageSource rewrites every occurrence of originalURL in the
// article HTML with the CDN URL, case-insensitively.
func replaceImageSource(articleHTML string, originalURL string, cdnURL string) string {
	pattern, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(originalURL))
	if err != nil {
		return strings.ReplaceAll(articleHTML, originalURL, cdnURL)
	}
	return pattern.ReplaceAllLiteralString(articleHTML, cdnURL)
}
