package core

import (
	"regexp"
	"strings"
)

var loaderCodeRe = regexp.MustCompile(`^[A-Z0-9_]{1,64}$`)

// Validation bounds for loader definitions. These mirror the control-plane
// schema constraints so drafts are rejected before they hit the DB.
const (
	MinSQLLength          = 10
	MaxSQLLength          = 10000
	MaxIntervalBound      = 86400
	MaxQueryPeriodBound   = 604800
	MaxParallelBound      = 100
	MinTimezoneOffset     = -12
	MaxTimezoneOffset     = 14
	MaxBulkAppendSignals  = 10000
	GlobalParallelLimit   = 100
)

// ValidateLoader checks a loader draft against the schema bounds. Returns a
// VALIDATION-classified error naming the first offending field.
func ValidateLoader(l *Loader) error {
	if !loaderCodeRe.MatchString(l.LoaderCode) {
		return Errf(CodeValidation, "loaderCode must be upper-alphanumeric/underscore, 1-64 chars: %q", l.LoaderCode)
	}
	if n := len(l.SQL); n < MinSQLLength || n > MaxSQLLength {
		return Errf(CodeValidation, "sql length %d outside [%d,%d]", n, MinSQLLength, MaxSQLLength)
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(l.SQL)), "SELECT") {
		return Errf(CodeValidation, "sql must begin with a read-only query keyword")
	}
	if l.SourceDatabaseID == 0 {
		return Errf(CodeValidation, "sourceDatabaseId is required")
	}
	if l.MinIntervalSeconds < 1 || l.MinIntervalSeconds > MaxIntervalBound {
		return Errf(CodeValidation, "minIntervalSeconds %d outside [1,%d]", l.MinIntervalSeconds, MaxIntervalBound)
	}
	if l.MaxIntervalSeconds < 1 || l.MaxIntervalSeconds > MaxIntervalBound {
		return Errf(CodeValidation, "maxIntervalSeconds %d outside [1,%d]", l.MaxIntervalSeconds, MaxIntervalBound)
	}
	if l.MinIntervalSeconds > l.MaxIntervalSeconds {
		return Errf(CodeValidation, "minIntervalSeconds %d > maxIntervalSeconds %d", l.MinIntervalSeconds, l.MaxIntervalSeconds)
	}
	if l.MaxQueryPeriodSeconds < 1 || l.MaxQueryPeriodSeconds > MaxQueryPeriodBound {
		return Errf(CodeValidation, "maxQueryPeriodSeconds %d outside [1,%d]", l.MaxQueryPeriodSeconds, MaxQueryPeriodBound)
	}
	if l.MaxParallelExecutions < 1 || l.MaxParallelExecutions > MaxParallelBound {
		return Errf(CodeValidation, "maxParallelExecutions %d outside [1,%d]", l.MaxParallelExecutions, MaxParallelBound)
	}
	if !l.PurgeStrategy.Valid() {
		return Errf(CodeValidation, "unknown purge strategy %q", l.PurgeStrategy)
	}
	if l.SourceTimezoneOffsetHours < MinTimezoneOffset || l.SourceTimezoneOffsetHours > MaxTimezoneOffset {
		return Errf(CodeValidation, "sourceTimezoneOffsetHours %d outside [%d,%d]",
			l.SourceTimezoneOffsetHours, MinTimezoneOffset, MaxTimezoneOffset)
	}
	if l.Enabled && (l.ApprovalStatus != Approved || l.VersionStatus != VersionActive) {
		return Errf(CodeValidation, "loader may be enabled only while APPROVED and ACTIVE")
	}
	return nil
}
