//go:build !sqlite

package storage

import (
	"context"

	"github.com/cockroachdb/errors"

	logx "pewsched/pkg/logx"
)

func openSQLite(context.Context, Config, logx.Logger) (Store, error) {
	return nil, errors.WithHint(errors.New("sqlite storage not built"), "rebuild with -tags sqlite")
}
