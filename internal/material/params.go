package material

import (
	"fmt"
	"net/url"
)

// articleParams flattens one article into the console's indexed form
// parameters. The console takes one flat form with every field suffixed
// by the article's position, empty placeholders included.
func articleParams(article Article, index int) url.Values {
	params := url.Values{}
	set := func(name string, value string) {
		params.Set(fmt.Sprintf("%s%d", name, index), value)
	}
	set("title", article.Title)
	set("content", article.HTML)
	set("digest", article.Description)
	set("fileid", article.FileID)
	set("cdn_url", article.cdnURL)
	set("sourceurl", article.SourceURL)
	set("show_cover_pic", "0")
	set("need_open_comment", "1")
	set("music_id", "")
	set("video_id", "")
	set("shortvideofileid", "")
	set("copyright_type", "")
	set("only_fans_can_comment", "")
	set("fee", "")
	set("voteid", "")
	set("voteismlt", "")
	set("ad_id", "")
	return params
}

func mergeValues(destination url.Values, source url.Values) {
	for key, values := range source {
		destination[key] = values
	}
}
