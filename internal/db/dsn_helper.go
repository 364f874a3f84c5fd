package db

import (
	"strconv"
	"strings"
	"time"
)

// defaultStatementTimeout bounds any single statement so a wedged query
// cannot hold a pool connection for the life of the process.
const defaultStatementTimeout = 60 * time.Second

// withStatementTimeout appends a statement_timeout parameter to the DSN,
// leaving it untouched when the caller already set one. Both postgres://
// URLs and space-separated key=value DSNs are recognised; anything else is
// assumed to be the latter.
func withStatementTimeout(dsn string, timeout time.Duration) string {
	if dsn == "" || strings.Contains(dsn, "statement_timeout") {
		return dsn
	}
	if timeout <= 0 {
		timeout = defaultStatementTimeout
	}
	param := "statement_timeout=" + strconv.FormatInt(timeout.Milliseconds(), 10)

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if strings.Contains(dsn, "?") {
			return dsn + "&" + param
		}
		return dsn + "?" + param
	}
	return dsn + " " + param
}
