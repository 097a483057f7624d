// Package entstoretest opens throwaway sqlite-backed stores for tests.
package entstoretest

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"entgo.io/ent/dialect/sql/schema"

	"github.com/wilhg/tenantsnap/pkg/store/entstore"
)

var seq atomic.Int64

// DSN returns a unique in-memory sqlite DSN for name.
func DSN(name string) string {
	clean := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(name)
	return fmt.Sprintf("sqlite:file:%s-%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", clean, seq.Add(1))
}

// Open returns a migrated in-memory store with the engine tables and tables.
func Open(t testing.TB, tables ...*schema.Table) *entstore.Store {
	t.Helper()
	ctx := context.Background()
	st, err := entstore.Open(ctx, DSN(t.Name()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx, tables...); err != nil {
		t.Fatal(err)
	}
	return st
}
