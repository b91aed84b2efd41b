package spark

import (
	"context"
	"fmt"
	"strings"

	"github.com/swellow-db/swellow/internal/engine/spark/transport"
	"github.com/swellow-db/swellow/internal/swerr"
)

// snapshotDelta reconstructs CREATE TABLE statements for Delta tables from
// DESCRIBE TABLE (column list) and DESCRIBE DETAIL (location, partitioning),
// since Delta has no native SHOW CREATE TABLE that round-trips reliably
// across runtime versions.
func snapshotDelta(ctx context.Context, tr transport.Transport, database string, tables []string) (string, error) {
	var out strings.Builder

	for _, table := range tables {
		cols, err := describeColumns(ctx, tr, database, table)
		if err != nil {
			return "", err
		}

		detail, err := describeDetail(ctx, tr, database, table)
		if err != nil {
			return "", err
		}

		fmt.Fprintf(&out, "CREATE TABLE %s.%s (\n", database, table)
		for i, col := range cols {
			sep := ","
			if i == len(cols)-1 {
				sep = ""
			}
			fmt.Fprintf(&out, "  %s %s%s\n", col.name, col.dataType, sep)
		}
		out.WriteString(") USING DELTA")
		if partitioning, ok := detail["partitionColumns"]; ok && partitioning != "" {
			fmt.Fprintf(&out, " PARTITIONED BY (%s)", partitioning)
		}
		out.WriteString(";\n\n")
	}

	return out.String(), nil
}

type describedColumn struct {
	name     string
	dataType string
}

func describeColumns(ctx context.Context, tr transport.Transport, database, table string) ([]describedColumn, error) {
	rows, err := tr.Query(ctx, fmt.Sprintf("DESCRIBE TABLE %s.%s", database, table))
	if err != nil {
		return nil, swerr.Wrap(swerr.SnapshotFailed, "DESCRIBE TABLE failed for "+table, err)
	}

	cols := make([]describedColumn, 0, len(rows))
	for _, row := range rows {
		name, _ := row["col_name"].(string)
		dataType, _ := row["data_type"].(string)
		// The partitioning/metadata section starts with a blank line in
		// Spark's DESCRIBE output; stop before it.
		if name == "" || strings.HasPrefix(name, "#") {
			break
		}
		cols = append(cols, describedColumn{name: name, dataType: dataType})
	}
	return cols, nil
}

func describeDetail(ctx context.Context, tr transport.Transport, database, table string) (map[string]string, error) {
	rows, err := tr.Query(ctx, fmt.Sprintf("DESCRIBE DETAIL %s.%s", database, table))
	if err != nil {
		return nil, swerr.Wrap(swerr.SnapshotFailed, "DESCRIBE DETAIL failed for "+table, err)
	}
	if len(rows) == 0 {
		return map[string]string{}, nil
	}

	detail := map[string]string{}
	for k, v := range rows[0] {
		detail[k] = fmt.Sprintf("%v", v)
	}
	return detail, nil
}
