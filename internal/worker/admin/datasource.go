// Package admin implements the admin datasource described in spec
// component C8: discovered-instance metadata materialized as CSV and
// registered as a table in an embedded SQL engine for ad-hoc queries.
//
// Grounded on original_source/src/admin/datasource.rs
// (InstanceInfo, DataFusion SessionContext.register_csv, table name
// riffle_instances).
package admin

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/riffle-io/riffle-worker/internal/worker/workererr"
)

// InstanceInfo is one row of the instances table, matching the
// original's csv schema exactly.
type InstanceInfo struct {
	ServiceType string
	IP          string
	GRPCPort    int
	Hostname    string
	Version     string
	Cluster     string
}

const tableName = "riffle_instances"

// Datasource materializes discovered instances as a CSV file and
// registers it as a DuckDB table for ad-hoc SQL, rebuilt on request.
type Datasource struct {
	csvPath string

	mu        sync.Mutex
	db        *sql.DB
	instances []InstanceInfo
}

// New creates a Datasource whose CSV file lives under dir.
func New(dir string) *Datasource {
	return &Datasource{csvPath: filepath.Join(dir, "riffle_instances.csv")}
}

// Register records an instance, replacing any prior row with the same
// (ip, grpc_port) key.
func (d *Datasource) Register(info InstanceInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := instanceID(info)
	replaced := false
	for i, existing := range d.instances {
		if instanceID(existing) == id {
			d.instances[i] = info
			replaced = true
			break
		}
	}
	if !replaced {
		d.instances = append(d.instances, info)
	}
	return d.rebuildLocked()
}

func instanceID(info InstanceInfo) string {
	return fmt.Sprintf("%s-%d", info.IP, info.GRPCPort)
}

// rebuildLocked writes the CSV file and re-registers it as a table in
// a fresh embedded DuckDB connection, matching the original's
// read-only, rebuilt-on-request semantics.
func (d *Datasource) rebuildLocked() error {
	f, err := os.Create(d.csvPath)
	if err != nil {
		return workererr.IoFailure(err)
	}

	w := csv.NewWriter(f)
	if err := w.Write([]string{"service_type", "ip", "grpc_port", "hostname", "version", "cluster"}); err != nil {
		f.Close()
		return workererr.IoFailure(err)
	}
	for _, inst := range d.instances {
		row := []string{inst.ServiceType, inst.IP, fmt.Sprintf("%d", inst.GRPCPort), inst.Hostname, inst.Version, inst.Cluster}
		if err := w.Write(row); err != nil {
			f.Close()
			return workererr.IoFailure(err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return workererr.IoFailure(err)
	}
	if err := f.Close(); err != nil {
		return workererr.IoFailure(err)
	}

	if d.db != nil {
		d.db.Close()
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return workererr.Wrap(err, "failed to open embedded sql engine")
	}
	createStmt := fmt.Sprintf(
		"CREATE VIEW %s AS SELECT * FROM read_csv_auto('%s', header=true)", tableName, d.csvPath)
	if _, err := db.Exec(createStmt); err != nil {
		db.Close()
		return workererr.Wrap(err, "failed to register instances view")
	}
	d.db = db
	return nil
}

// Query runs an ad-hoc SQL statement against the instances table,
// returning column names and row values.
func (d *Datasource) Query(sqlText string) ([]string, [][]any, error) {
	d.mu.Lock()
	db := d.db
	d.mu.Unlock()
	if db == nil {
		return nil, nil, workererr.Wrap(workererr.Internal, "datasource not yet built")
	}

	rows, err := db.Query(sqlText)
	if err != nil {
		return nil, nil, workererr.Wrap(err, "query failed")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, workererr.Wrap(err, "failed to read columns")
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, workererr.Wrap(err, "failed to scan row")
		}
		out = append(out, vals)
	}
	return cols, out, rows.Err()
}

// Close releases the embedded SQL engine connection.
func (d *Datasource) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}
