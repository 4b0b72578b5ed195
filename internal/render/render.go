// Package render converts entry body markup into deliverable plain text.
//
// The conversion keeps readable structure for lists and hyperlinks, strips
// a closed set of block-level tags while keeping their inner text, drops
// media tags, collapses blank-line runs, and truncates to a character
// budget. A legacy bracket-tag markup is recognized and converted to HTML
// first, but only when its tag pairs are actually balanced.
package render

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/frustra/bbcode"
)

// TruncationMarker is appended when body text exceeds the limit.
const TruncationMarker = "..."

// Tags removed entirely, keeping their inner text.
var strippedTags = []string{
	"b", "blockquote", "code", "dd", "del", "div", "dl", "dt", "em",
	"figure", "font", "i", "iframe", "ol", "p", "pre", "s", "small",
	"span", "strong", "sub", "table", "tbody", "td", "th", "thead",
	"tr", "u", "ul",
}

var bracketTags = []string{
	"align", "b", "backcolor", "color", "font", "size",
	"table", "tbody", "td", "tr", "u", "url",
}

var (
	reBreak        = regexp.MustCompile(`<(?:br|hr)\s?/?>|<(?:br|hr) [^>]+>`)
	reHeadingOpen  = regexp.MustCompile(`<h\d [^>]+>`)
	reHeading      = regexp.MustCompile(`</?h\d>`)
	reMedia        = regexp.MustCompile(`(?s)<video[^>]*>(.*?</video>)?|<img[^>]+>`)
	reListClose    = regexp.MustCompile(`</(?:ul|ol)>`)
	reBracketImg   = regexp.MustCompile(`(?i)(\[url=[^]]+])?\[img[^]]*].+?\[/img](\[/url])?`)
	reBracketTail  = regexp.MustCompile(`(?i)(\[[^]]+|\[img][^\[\]]+) \.\.\n?</p>`)
	reBracketClose = regexp.MustCompile(`\[/(\w+)]`)

	reWeiboTopic  = regexp.MustCompile(`https://m\.weibo\.cn/p/index\?extparam=\S+&containerid=\w+`)
	reHashtagText = regexp.MustCompile(`#.+#`)

	reStripTags    = compileTagPatterns(strippedTags, `<%s [^>]+>`, `</?%s>`)
	reBracketStrip = compileTagPatterns(bracketTags, `(?i)\[%s=[^]]+]`, `(?i)\[/?%s]`)
)

func compileTagPatterns(tags []string, patterns ...string) []*regexp.Regexp {
	var res []*regexp.Regexp
	for _, tag := range tags {
		for _, p := range patterns {
			res = append(res, regexp.MustCompile(fmt.Sprintf(p, tag)))
		}
	}
	return res
}

// ToText converts HTML body markup to plain text. limit bounds the rune
// length of the result (0 disables truncation).
func ToText(rawHTML string, limit int) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return finish(html.UnescapeString(rawHTML), limit)
	}
	body := doc.Find("body")
	s, err := body.Html()
	if err != nil {
		s = html.UnescapeString(rawHTML)
	}
	s = html.UnescapeString(s)

	s = convertLists(body, s)
	s = convertLinks(body, s)

	// Paragraph-level tags keep a blank line behind them.
	for _, tag := range []string{"p", "pre"} {
		s = strings.ReplaceAll(s, "</"+tag+">", "</"+tag+">\n\n")
	}
	for _, re := range reStripTags {
		s = re.ReplaceAllString(s, "")
	}
	s = reBreak.ReplaceAllString(s, "\n")
	s = reHeadingOpen.ReplaceAllString(s, "\n")
	s = reHeading.ReplaceAllString(s, "\n")
	s = reMedia.ReplaceAllString(s, "")

	return finish(s, limit)
}

// convertLists rewrites list items into "-" / "1." prefixed lines.
func convertLists(body *goquery.Selection, s string) string {
	body.Find("ol").Each(func(_ int, ol *goquery.Selection) {
		ol.Find("li").Each(func(i int, li *goquery.Selection) {
			outer, err := goquery.OuterHtml(li)
			if err != nil {
				return
			}
			inner, err := li.Html()
			if err != nil {
				return
			}
			s = strings.Replace(s, outer, fmt.Sprintf("\n%d. %s", i+1, inner), 1)
		})
	})
	body.Find("ul li").Each(func(_ int, li *goquery.Selection) {
		outer, err := goquery.OuterHtml(li)
		if err != nil {
			return
		}
		inner, err := li.Html()
		if err != nil {
			return
		}
		s = strings.Replace(s, outer, "\n- "+inner, 1)
	})
	s = reListClose.ReplaceAllString(s, "\n")
	// Stray list items outside any list.
	s = strings.ReplaceAll(s, "<li>", "- ")
	s = strings.ReplaceAll(s, "</li>", "")
	return s
}

// convertLinks shows link text plus target inline. A closed set of
// social-platform link shapes is rewritten as text cleanup: tracking-only
// topic links are dropped, hashtag and profile links keep only their text,
// and one known redirector is unwrapped to its destination.
func convertLinks(body *goquery.Selection, s string) string {
	body.Find("a").Each(func(_ int, a *goquery.Selection) {
		outer, err := goquery.OuterHtml(a)
		if err != nil {
			return
		}
		outer = html.UnescapeString(outer)
		text := a.Text()
		href, _ := a.Attr("href")

		if text == "" || text == href {
			s = strings.Replace(s, outer, fmt.Sprintf(" %s\n", href), 1)
			return
		}
		switch {
		case reWeiboTopic.MatchString(href):
			s = strings.Replace(s, outer, "", 1)
		case strings.HasPrefix(href, "https://m.weibo.cn/search?containerid=") && reHashtagText.MatchString(text),
			strings.HasPrefix(href, "https://weibo.com/") && strings.HasPrefix(text, "@"):
			s = strings.Replace(s, outer, text, 1)
		default:
			if strings.HasPrefix(href, "https://weibo.cn/sinaurl?u=") {
				if u, err := url.Parse(href); err == nil {
					if dest := u.Query().Get("u"); dest != "" {
						href = dest
					}
				}
			}
			s = strings.Replace(s, outer, fmt.Sprintf(" %s: %s\n", text, href), 1)
		}
	})
	return s
}

func finish(s string, limit int) string {
	s = CollapseBlankLines(s)
	s = strings.TrimSpace(s)
	s = Truncate(s, limit)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}

// PlainText extracts the visible text of an HTML fragment with no
// structural formatting.
func PlainText(rawHTML string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return rawHTML
	}
	return strings.TrimSpace(doc.Text())
}

// CollapseBlankLines reduces runs of three or more newlines to one blank
// line.
func CollapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}

// Truncate bounds s to limit runes plus the truncation marker. Text within
// the limit is returned unmodified. limit <= 0 disables truncation.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + TruncationMarker
}

// ConvertBracketMarkup converts legacy bracket-tag markup to HTML so the
// HTML rules can apply. Image tags are dropped (their sources are handled
// by the media stage), decorative tags are stripped, and the document is
// only run through the converter when an opening/closing tag pair is
// actually balanced; otherwise it is returned untouched.
func ConvertBracketMarkup(s string) string {
	s = html.UnescapeString(s)
	s = reBracketImg.ReplaceAllString(s, "")
	for _, re := range reBracketStrip {
		s = re.ReplaceAllString(s, "")
	}
	// Feeds sometimes cut entries mid-tag; drop the dangling fragment.
	s = reBracketTail.ReplaceAllString(s, "</p>")

	m := reBracketClose.FindStringSubmatch(s)
	if m == nil || !strings.Contains(s, "["+m[1]) {
		return s
	}
	compiler := bbcode.NewCompiler(true, true)
	return compiler.Compile(s)
}
