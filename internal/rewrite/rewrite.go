// Package rewrite implements the string-level HTML rewrite applied to origin pages.
//
// The rewrite never parses HTML. It performs a global, case-sensitive
// substitution of the origin URL with the public URL, then inserts the
// copy-link fragment before the first literal "</body>". Matches inside
// attributes, comments or scripts are rewritten like any other text.
package rewrite

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrBadUTF8 is returned when an HTML body is not valid UTF-8.
var ErrBadUTF8 = errors.New("unable to parse html page as utf-8")

const closingBody = "</body>"

// fragmentTemplate is the copy-link UI: a snackbar element, its styles and a
// click handler on the first RSS link. The handler copies the link with the
// public URL swapped back to the origin URL so feed readers subscribe to the origin.
const fragmentTemplate = `<div id="snackbar">Copied link</div>
    <style>#snackbar{font-family:"Helvetica Neue",Helvetica,Arial,sans-serif;visibility:hidden;min-width:100px;margin-left:-50px;background-color:#333;color:#fff;text-align:center;border-radius:8px;padding:16px;position:fixed;z-index:1;left:50%;bottom:30px;font-size:17px}#snackbar.show{visibility:visible;-webkit-animation:.5s fadein,.5s 2.5s fadeout;animation:.5s fadein,.5s 2.5s fadeout}@-webkit-keyframes fadein{from{bottom:0;opacity:0}to{bottom:30px;opacity:1}}@keyframes fadein{from{bottom:0;opacity:0}to{bottom:30px;opacity:1}}@-webkit-keyframes fadeout{from{bottom:30px;opacity:1}to{bottom:0;opacity:0}}@keyframes fadeout{from{bottom:30px;opacity:1}to{bottom:0;opacity:0}}</style>
    <script>const rssLink=document.querySelector('a[href*="/?page=rss"]');rssLink.addEventListener("click",e=>{e.preventDefault(),navigator.clipboard.writeText(e.currentTarget.href.replace("{{public_url}}","{{origin_url}}"));var a=document.getElementById("snackbar");a.className="show",setTimeout(function(){a.className=a.className.replace("show","")},3e3)});</script>`

// Rewriter rewrites HTML bodies for one origin/public URL pair.
// It holds no mutable state and is safe for concurrent use.
type Rewriter struct {
	originURL string
	publicURL string
	fragment  string
}

// NewRewriter creates a Rewriter replacing originURL with publicURL.
// URLs are embedded into the fragment as-is, without escaping.
func NewRewriter(originURL, publicURL string) *Rewriter {
	r := strings.NewReplacer("{{public_url}}", publicURL, "{{origin_url}}", originURL)
	return &Rewriter{
		originURL: originURL,
		publicURL: publicURL,
		fragment:  r.Replace(fragmentTemplate),
	}
}

// Fragment returns the markup inserted before the closing body tag.
func (r *Rewriter) Fragment() string {
	return r.fragment
}

// Rewrite returns body with every occurrence of the origin URL replaced by the
// public URL and the fragment inserted before the first "</body>". The bool
// reports whether the fragment was inserted; a body without "</body>" is
// returned with only the substitution applied.
func (r *Rewriter) Rewrite(body []byte) ([]byte, bool, error) {
	if !utf8.Valid(body) {
		return nil, false, ErrBadUTF8
	}

	text := string(body)
	if r.originURL != "" {
		text = strings.ReplaceAll(text, r.originURL, r.publicURL)
	}

	before, after, found := strings.Cut(text, closingBody)
	if !found {
		return []byte(text), false, nil
	}

	var b strings.Builder
	b.Grow(len(text) + len(r.fragment))
	b.WriteString(before)
	b.WriteString(r.fragment)
	b.WriteString(closingBody)
	b.WriteString(after)
	return []byte(b.String()), true, nil
}
