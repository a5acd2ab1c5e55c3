package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/etlmon/backend/internal/core"
)

var (
	leadingCommentRe = regexp.MustCompile(`^(\s*(--[^\n]*\n|/\*.*?\*/))*\s*`)
	forbiddenWordRe  = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|TRUNCATE|ALTER|CREATE)\b`)
)

// CheckQuerySafety enforces the read-only gate: after stripping leading
// whitespace and comments the statement must start with SELECT, and no DML
// or DDL keyword may appear as a whole word anywhere.
func CheckQuerySafety(sqlText string) error {
	body := leadingCommentRe.ReplaceAllString(sqlText, "")
	if !strings.HasPrefix(strings.ToUpper(body), "SELECT") {
		return core.Errf(core.CodeValidation, "query must start with SELECT")
	}
	if m := forbiddenWordRe.FindString(sqlText); m != "" {
		return core.Errf(core.CodeValidation, "query contains forbidden keyword %s", strings.ToUpper(m))
	}
	return nil
}

// SubstitutePlaceholders replaces :fromTime/:toTime with the window bounds
// and :fromTimeTz/:toTimeTz with the bounds shifted by the source timezone
// offset, each quoted as an ISO-8601 string both dialects accept. The tz
// variants are replaced first so ":fromTime" does not eat their prefix.
func SubstitutePlaceholders(sqlText string, w core.TimeWindow, tzOffsetHours int) string {
	shift := time.Duration(tzOffsetHours) * time.Hour
	r := strings.NewReplacer(
		":fromTimeTz", quoteTime(w.From.Add(shift)),
		":toTimeTz", quoteTime(w.To.Add(shift)),
		":fromTime", quoteTime(w.From),
		":toTime", quoteTime(w.To),
	)
	return r.Replace(sqlText)
}

func quoteTime(t time.Time) string {
	return fmt.Sprintf("'%s'", t.UTC().Format("2006-01-02 15:04:05"))
}
