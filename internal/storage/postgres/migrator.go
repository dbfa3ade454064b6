package postgres

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	migrationsDir = "sql/migrations"
	// advisory lock не даёт двум инстансам мигрировать одновременно
	migrationLockKey = int64(20260417)
	migrationLockTTL = 30 * time.Second
)

var migrationTableDDL = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		checksum TEXT NOT NULL DEFAULT '',
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`,
}

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	version int64
	name    string
	up      string
	down    string
}

func (m migration) label() string { return fmt.Sprintf("%04d_%s", m.version, m.name) }

// checksum фиксирует текст up-миграции на момент применения.
func (m migration) checksum() string {
	sum := sha256.Sum256([]byte(m.up))
	return hex.EncodeToString(sum[:8])
}

// MigrationState — состояние схемы. Drifted перечисляет применённые миграции,
// текст которых изменился после применения.
type MigrationState struct {
	Current int64
	Applied int
	Pending []string
	Drifted []string
}

// Migrator применяет встроенные SQL-миграции под advisory lock.
type Migrator struct {
	db     *sql.DB
	fsys   fs.FS
	logger *log.Entry
}

func NewMigrator(store *Store, logger *log.Entry) *Migrator {
	if logger == nil {
		logger = log.WithField("component", "migrator")
	}
	return &Migrator{db: store.DB(), fsys: migrationsFS, logger: logger}
}

// Up применяет неприменённые миграции по возрастанию; steps<=0 применяет все.
func (m *Migrator) Up(ctx context.Context, steps int) (int, error) {
	all, err := parseMigrations(m.fsys)
	if err != nil {
		return 0, err
	}

	applied := 0
	err = m.locked(ctx, func(conn *sql.Conn) error {
		done, err := appliedChecksums(ctx, conn)
		if err != nil {
			return err
		}
		for _, label := range drifted(all, done) {
			m.logger.WithField("migration", label).Warn("applied migration was edited afterwards")
		}
		for _, mg := range planUp(all, done, steps) {
			if err := m.apply(ctx, conn, mg, true); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	return applied, err
}

// Down откатывает steps последних применённых миграций; steps<=0 означает один шаг.
func (m *Migrator) Down(ctx context.Context, steps int) (int, error) {
	all, err := parseMigrations(m.fsys)
	if err != nil {
		return 0, err
	}

	reverted := 0
	err = m.locked(ctx, func(conn *sql.Conn) error {
		done, err := appliedChecksums(ctx, conn)
		if err != nil {
			return err
		}
		plan, err := planDown(all, done, steps)
		if err != nil {
			return err
		}
		for _, mg := range plan {
			if err := m.apply(ctx, conn, mg, false); err != nil {
				return err
			}
			reverted++
		}
		return nil
	})
	return reverted, err
}

func (m *Migrator) Status(ctx context.Context) (MigrationState, error) {
	all, err := parseMigrations(m.fsys)
	if err != nil {
		return MigrationState{}, err
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return MigrationState{}, storeErr("acquire migration connection", err)
	}
	defer conn.Close()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return MigrationState{}, err
	}
	done, err := appliedChecksums(ctx, conn)
	if err != nil {
		return MigrationState{}, err
	}
	return stateOf(all, done), nil
}

func stateOf(all []migration, done map[int64]string) MigrationState {
	state := MigrationState{Applied: len(done), Drifted: drifted(all, done)}
	for version := range done {
		state.Current = max(state.Current, version)
	}
	for _, mg := range planUp(all, done, 0) {
		state.Pending = append(state.Pending, mg.label())
	}
	return state
}

func planUp(all []migration, done map[int64]string, steps int) []migration {
	var plan []migration
	for _, mg := range all {
		if _, ok := done[mg.version]; ok {
			continue
		}
		plan = append(plan, mg)
		if steps > 0 && len(plan) == steps {
			break
		}
	}
	return plan
}

// planDown идёт от старшей применённой версии; версия без файлов откатиться не может.
func planDown(all []migration, done map[int64]string, steps int) ([]migration, error) {
	if steps <= 0 {
		steps = 1
	}
	versions := make([]int64, 0, len(done))
	for v := range done {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	slices.Reverse(versions)

	var plan []migration
	for _, v := range versions[:min(steps, len(versions))] {
		i, found := slices.BinarySearchFunc(all, v, func(mg migration, v int64) int { return cmp.Compare(mg.version, v) })
		if !found {
			return nil, fmt.Errorf("cannot roll back unknown migration version %d", v)
		}
		plan = append(plan, all[i])
	}
	return plan, nil
}

// drifted: записи без checksum (применены до появления колонки) не проверяются.
func drifted(all []migration, done map[int64]string) []string {
	var labels []string
	for _, mg := range all {
		if sum, ok := done[mg.version]; ok && sum != "" && sum != mg.checksum() {
			labels = append(labels, mg.label())
		}
	}
	return labels
}

func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return storeErr("acquire migration connection", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, migrationLockTTL)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

func ensureMigrationTable(ctx context.Context, conn *sql.Conn) error {
	for _, ddl := range migrationTableDDL {
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema_migrations: %w", err)
		}
	}
	return nil
}

// apply выполняет тело миграции и запись в schema_migrations одной транзакцией.
func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, mg migration, up bool) (err error) {
	direction, body := "up", mg.up
	if !up {
		direction, body = "down", mg.down
	}
	start := time.Now()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s %s: %w", direction, mg.label(), err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("run %s %s: %w", direction, mg.label(), err)
	}
	if up {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
			mg.version, mg.name, mg.checksum())
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, mg.version)
	}
	if err != nil {
		return fmt.Errorf("record %s %s: %w", direction, mg.label(), err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s %s: %w", direction, mg.label(), err)
	}

	m.logger.WithFields(log.Fields{
		"migration":   mg.label(),
		"direction":   direction,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("migration applied")
	return nil
}

func appliedChecksums(ctx context.Context, conn *sql.Conn) (map[int64]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, storeErr("list applied migrations", err)
	}
	defer rows.Close()

	done := make(map[int64]string)
	for rows.Next() {
		var (
			version int64
			sum     string
		)
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, storeErr("scan applied migration", err)
		}
		done[version] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate applied migrations", err)
	}
	return done, nil
}

// parseMigrationFile разбирает имя вида 0001_orders.up.sql.
func parseMigrationFile(file string) (version int64, name, direction string, err error) {
	stem, ok := strings.CutSuffix(file, ".sql")
	if !ok {
		return 0, "", "", fmt.Errorf("invalid migration file name: %s", file)
	}
	stem, direction = strings.TrimSuffix(stem, path.Ext(stem)), strings.TrimPrefix(path.Ext(stem), ".")
	if direction != "up" && direction != "down" {
		return 0, "", "", fmt.Errorf("invalid migration file name: %s", file)
	}
	rawVersion, name, ok := strings.Cut(stem, "_")
	if !ok || name == "" {
		return 0, "", "", fmt.Errorf("invalid migration file name: %s", file)
	}
	version, err = strconv.ParseInt(rawVersion, 10, 64)
	if err != nil || version <= 0 {
		return 0, "", "", fmt.Errorf("invalid migration version in %s", file)
	}
	return version, name, direction, nil
}

// parseMigrations собирает пары up/down, отсортированные по версии.
func parseMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, direction, err := parseMigrationFile(entry.Name())
		if err != nil {
			return nil, err
		}
		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", entry.Name())
		}

		mg := byVersion[version]
		if mg == nil {
			mg = &migration{version: version, name: name}
			byVersion[version] = mg
		}
		if mg.name != name {
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, mg.name, name)
		}
		target := &mg.up
		if direction == "down" {
			target = &mg.down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", direction, version)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	all := make([]migration, 0, len(byVersion))
	for _, mg := range byVersion {
		if mg.up == "" || mg.down == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", mg.label())
		}
		all = append(all, *mg)
	}
	slices.SortFunc(all, func(a, b migration) int { return cmp.Compare(a.version, b.version) })
	return all, nil
}
