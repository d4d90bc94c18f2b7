package validator

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// SanitizeStage names one step of the sanitization pipeline.
type SanitizeStage string

const (
	StageTrim       SanitizeStage = "trim"
	StageHTMLEscape SanitizeStage = "html_escape"
	StageNullBytes  SanitizeStage = "null_bytes"
	StageNormalize  SanitizeStage = "normalize"
	StageStripTags  SanitizeStage = "strip_tags"
	StageSQLEscape  SanitizeStage = "sql_escape"
)

// DefaultStages is the pipeline applied when sanitize=true with no explicit
// type list: trim, HTML-escape, null-byte removal, NFC normalize.
var DefaultStages = []SanitizeStage{StageTrim, StageHTMLEscape, StageNullBytes, StageNormalize}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// Sanitize runs value through stages in order, returning the transformed
// value. Unknown stage names are ignored.
func Sanitize(value string, stages []SanitizeStage) string {
	out := value
	for _, stage := range stages {
		switch stage {
		case StageTrim:
			out = strings.TrimSpace(out)
		case StageHTMLEscape:
			out = html.EscapeString(out)
		case StageNullBytes:
			out = strings.ReplaceAll(out, "\x00", "")
		case StageNormalize:
			if utf8.ValidString(out) {
				out = norm.NFC.String(out)
			}
		case StageStripTags:
			out = tagPattern.ReplaceAllString(out, "")
		case StageSQLEscape:
			out = sqlEscape(out)
		}
	}
	return out
}

func sqlEscape(value string) string {
	replacer := strings.NewReplacer(
		`'`, `''`,
		`"`, `""`,
		`\`, `\\`,
		";", "",
		"--", "",
	)
	return replacer.Replace(value)
}
