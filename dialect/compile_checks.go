package dialect

import "github.com/goliatone/go-normalize/core"

var (
	_ core.Dialect = Postgres{}
	_ core.Dialect = SQLite{}
)
