package spark

import (
	"context"
	"fmt"
	"strings"

	"github.com/swellow-db/swellow/internal/engine/spark/transport"
	"github.com/swellow-db/swellow/internal/swerr"
)

// snapshotIceberg reconstructs schema DDL for Iceberg tables via SHOW
// CREATE TABLE, which Iceberg's catalog implementation supports natively
// unlike Delta.
func snapshotIceberg(ctx context.Context, tr transport.Transport, database string, tables []string) (string, error) {
	var out strings.Builder

	for _, table := range tables {
		rows, err := tr.Query(ctx, fmt.Sprintf("SHOW CREATE TABLE %s.%s", database, table))
		if err != nil {
			return "", swerr.Wrap(swerr.SnapshotFailed, "SHOW CREATE TABLE failed for "+table, err)
		}
		if len(rows) == 0 {
			continue
		}

		ddl, _ := rows[0]["createtab_stmt"].(string)
		if ddl == "" {
			continue
		}

		out.WriteString(strings.TrimSpace(ddl))
		out.WriteString(";\n\n")
	}

	return out.String(), nil
}
