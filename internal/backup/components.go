package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	bkerrors "github.com/bastionkit/bastion/internal/errors"
)

// SecretsSource exports sanitized secret-store configuration. Key material
// itself is never exported.
type SecretsSource interface {
	Export(ctx context.Context) (map[string]json.RawMessage, error)
	Import(ctx context.Context, docs map[string]json.RawMessage) error
}

// ConfigSource exports sanitized application configuration.
type ConfigSource interface {
	Export(ctx context.Context) (json.RawMessage, error)
	Import(ctx context.Context, doc json.RawMessage) error
}

// backupComponent dispatches to the routine matching the component type and
// writes the artifacts into dir. The switch is exhaustive over
// ComponentType so a new type is a compile-visible decision point.
func (m *Manager) backupComponent(ctx context.Context, comp Component, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	switch comp.Type {
	case ComponentDatabase:
		return m.backupDatabase(ctx, comp, dir)
	case ComponentSecrets:
		return m.backupSecrets(ctx, comp, dir)
	case ComponentConfiguration:
		return m.backupConfiguration(ctx, comp, dir)
	case ComponentFiles:
		return m.backupFiles(comp, dir)
	case ComponentCustom:
		if comp.Custom == nil || comp.Custom.Backup == nil {
			return fmt.Errorf("custom component %s has no backup function", comp.Name)
		}
		return comp.Custom.Backup(ctx, dir)
	default:
		return fmt.Errorf("unknown component type %q", comp.Type)
	}
}

// restoreComponent dispatches to the restore routine matching the component
// type, reading artifacts from dir.
func (m *Manager) restoreComponent(ctx context.Context, comp Component, dir string) error {
	switch comp.Type {
	case ComponentDatabase:
		return m.restoreDatabase(ctx, comp, dir)
	case ComponentSecrets:
		return m.restoreSecrets(ctx, dir)
	case ComponentConfiguration:
		return m.restoreConfiguration(ctx, dir)
	case ComponentFiles:
		return m.restoreFiles(comp, dir)
	case ComponentCustom:
		if comp.Custom == nil || comp.Custom.Restore == nil {
			return fmt.Errorf("custom component %s has no restore function", comp.Name)
		}
		return comp.Custom.Restore(ctx, dir)
	default:
		return fmt.Errorf("unknown component type %q", comp.Type)
	}
}

// backupDatabase exports the schema and every configured table as SQL.
func (m *Manager) backupDatabase(ctx context.Context, comp Component, dir string) error {
	if m.deps.DB == nil {
		return fmt.Errorf("no database handle configured")
	}
	if err := m.deps.DB.Authenticate(ctx); err != nil {
		return fmt.Errorf("database authentication: %w", err)
	}

	schema, err := m.exportSchema(ctx, comp.Tables)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "schema.sql"), []byte(schema), 0o600); err != nil {
		return err
	}

	for _, table := range comp.Tables {
		dump, err := m.exportTable(ctx, table)
		if err != nil {
			return fmt.Errorf("export table %s: %w", table, err)
		}
		if err := os.WriteFile(filepath.Join(dir, table+".sql"), []byte(dump), 0o600); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) exportSchema(ctx context.Context, tables []string) (string, error) {
	var b strings.Builder
	b.WriteString("-- schema export\n")
	for _, table := range tables {
		rows, err := m.deps.DB.Query(ctx,
			"SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position",
			table)
		if err != nil {
			return "", fmt.Errorf("describe %s: %w", table, err)
		}
		cols := make([]string, 0, len(rows))
		for _, row := range rows {
			cols = append(cols, fmt.Sprintf("  %v %v", row["column_name"], row["data_type"]))
		}
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n%s\n);\n", table, strings.Join(cols, ",\n"))
	}
	return b.String(), nil
}

func (m *Manager) exportTable(ctx context.Context, table string) (string, error) {
	rows, err := m.deps.DB.Query(ctx, fmt.Sprintf("SELECT * FROM %s", table))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "-- data export for %s (%d rows)\n", table, len(rows))
	for _, row := range rows {
		cols := make([]string, 0, len(row))
		for col := range row {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		vals := make([]string, 0, len(cols))
		for _, col := range cols {
			vals = append(vals, sqlLiteral(row[col]))
		}
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s);\n", table, strings.Join(cols, ", "), strings.Join(vals, ", "))
	}
	return b.String(), nil
}

func sqlLiteral(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// restoreDatabase replays schema.sql first, then every table dump.
func (m *Manager) restoreDatabase(ctx context.Context, comp Component, dir string) error {
	if m.deps.DB == nil {
		return fmt.Errorf("no database handle configured")
	}
	if err := m.deps.DB.Authenticate(ctx); err != nil {
		return fmt.Errorf("database authentication: %w", err)
	}
	if err := m.replaySQLFile(ctx, filepath.Join(dir, "schema.sql")); err != nil {
		return err
	}
	for _, table := range comp.Tables {
		path := filepath.Join(dir, table+".sql")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // table was empty or added after the backup
		}
		if err := m.replaySQLFile(ctx, path); err != nil {
			return fmt.Errorf("restore table %s: %w", table, err)
		}
	}
	return nil
}

func (m *Manager) replaySQLFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(data), ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || strings.HasPrefix(stmt, "--") {
			continue
		}
		if _, err := m.deps.DB.Query(ctx, stmt); err != nil {
			return fmt.Errorf("replay %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// backupSecrets exports each secret-store configuration document to its own
// JSON file (e.g. hsm_config.json). Key material never leaves the store.
func (m *Manager) backupSecrets(ctx context.Context, comp Component, dir string) error {
	if m.deps.Secrets == nil {
		return fmt.Errorf("no secrets source configured")
	}
	docs, err := m.deps.Secrets.Export(ctx)
	if err != nil {
		return fmt.Errorf("export secrets configuration: %w", err)
	}
	for name, doc := range docs {
		if err := os.WriteFile(filepath.Join(dir, name+".json"), doc, 0o600); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) restoreSecrets(ctx context.Context, dir string) error {
	if m.deps.Secrets == nil {
		return fmt.Errorf("no secrets source configured")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	docs := make(map[string]json.RawMessage, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		docs[strings.TrimSuffix(entry.Name(), ".json")] = data
	}
	return m.deps.Secrets.Import(ctx, docs)
}

// backupConfiguration exports the sanitized application configuration.
func (m *Manager) backupConfiguration(ctx context.Context, comp Component, dir string) error {
	if m.deps.AppConfig == nil {
		return fmt.Errorf("no configuration source configured")
	}
	doc, err := m.deps.AppConfig.Export(ctx)
	if err != nil {
		return fmt.Errorf("export app configuration: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "app_config.json"), doc, 0o600)
}

func (m *Manager) restoreConfiguration(ctx context.Context, dir string) error {
	if m.deps.AppConfig == nil {
		return fmt.Errorf("no configuration source configured")
	}
	doc, err := os.ReadFile(filepath.Join(dir, "app_config.json"))
	if err != nil {
		return err
	}
	return m.deps.AppConfig.Import(ctx, doc)
}

// backupFiles copies the component's file tree, skipping exclusion globs.
// Patterns match against both the base name and the slash-separated
// relative path.
func (m *Manager) backupFiles(comp Component, dir string) error {
	if comp.Path == "" {
		return fmt.Errorf("files component %s has no path", comp.Name)
	}
	return copyTree(comp.Path, dir, comp.Exclusions)
}

func (m *Manager) restoreFiles(comp Component, dir string) error {
	if comp.Path == "" {
		return fmt.Errorf("files component %s has no path", comp.Name)
	}
	if err := os.MkdirAll(comp.Path, 0o700); err != nil {
		return err
	}
	return copyTree(dir, comp.Path, nil)
}

func copyTree(src, dst string, exclusions []string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if excluded(rel, d.Name(), exclusions) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func excluded(rel, base string, patterns []string) bool {
	relSlash := strings.ReplaceAll(rel, string(filepath.Separator), "/")
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, relSlash); ok {
			return true
		}
	}
	return false
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// componentError wraps a routine failure with the component name so report
// consumers can attribute it.
func componentError(comp Component, err error) *bkerrors.OpError {
	return bkerrors.New(bkerrors.KindComponentBackup, "backup_component", comp.Name, err)
}
