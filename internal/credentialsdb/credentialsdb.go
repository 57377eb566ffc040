// Package credentialsdb persists Identity records and per-(id,method)
// blobs inside the decrypted volume. The connection and migration pattern
// follows the Postgres/database-sql idiom used for the daemon's other
// relational state: a validated Config, a pooled *sql.DB, and an idempotent
// Migrate() run once at startup.
package credentialsdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/cuemby/signond/internal/apperror"
	"github.com/cuemby/signond/internal/cache"
	"github.com/cuemby/signond/internal/identityinfo"
	"github.com/cuemby/signond/internal/logger"
)

// pendingTTL bounds how long a write-behind blob may sit in the cache
// waiting for secrets to become available again before ReconcilePending runs.
const pendingTTL = 24 * time.Hour

// Config holds the connection parameters for the Postgres instance backing
// the credentials store.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DB is the credentials store.
type DB struct {
	db    *sql.DB
	blobs *cache.Cache

	// pending is the fallback write-behind store used when blobs is nil
	// or disabled (e.g. in tests): blob reads return empty and writes
	// queue here until secrets become available again (DB3).
	pending map[string]map[string]any
}

// WithBlobCache attaches a Redis-backed write-behind cache for per-method
// blobs (DB3), used across daemon workers so a pending write from one
// worker is visible to another. A nil or disabled cache leaves the
// in-process fallback map in place.
func (d *DB) WithBlobCache(c *cache.Cache) *DB {
	if c != nil && c.IsEnabled() {
		d.blobs = c
	}
	return d
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-.]{0,253}[a-zA-Z0-9])?$`)
var identRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func validateConfig(c Config) error {
	if c.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(c.Host) == nil && !hostnameRegex.MatchString(c.Host) {
		return fmt.Errorf("invalid database host: %s", c.Host)
	}
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s", c.Port)
	}
	if !identRegex.MatchString(c.User) {
		return fmt.Errorf("invalid database user: %s", c.User)
	}
	if !identRegex.MatchString(c.DBName) {
		return fmt.Errorf("invalid database name: %s", c.DBName)
	}
	return nil
}

// New opens a pooled connection to the credentials store and runs its
// migration.
func New(cfg Config) (*DB, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid credentials db configuration: %w", err)
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open credentials db: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(1 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping credentials db: %w", err)
	}

	d := newFromSQL(sqlDB)
	if err := d.Migrate(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewForTesting wraps an existing *sql.DB (e.g. sqlmock) without migrating,
// for tests that set up their own expectations.
func NewForTesting(sqlDB *sql.DB) *DB {
	return newFromSQL(sqlDB)
}

func newFromSQL(sqlDB *sql.DB) *DB {
	return &DB{db: sqlDB, pending: make(map[string]map[string]any)}
}

// Close closes the underlying connection pool.
func (d *DB) Close() error { return d.db.Close() }

// Migrate creates the identity schema if it does not already exist.
func (d *DB) Migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			id SERIAL PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			caption VARCHAR(255),
			secret VARCHAR(255),
			secret_hash VARCHAR(255),
			store_secret BOOLEAN DEFAULT false,
			validated BOOLEAN DEFAULT false,
			credentials_type INT DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS identity_realms (
			identity_id INT REFERENCES identities(id) ON DELETE CASCADE,
			realm VARCHAR(255) NOT NULL,
			PRIMARY KEY (identity_id, realm)
		)`,
		`CREATE TABLE IF NOT EXISTS identity_methods (
			identity_id INT REFERENCES identities(id) ON DELETE CASCADE,
			method VARCHAR(255) NOT NULL,
			mechanism VARCHAR(255) NOT NULL,
			PRIMARY KEY (identity_id, method, mechanism)
		)`,
		`CREATE TABLE IF NOT EXISTS identity_acl (
			identity_id INT REFERENCES identities(id) ON DELETE CASCADE,
			token VARCHAR(255) NOT NULL,
			PRIMARY KEY (identity_id, token)
		)`,
		`CREATE TABLE IF NOT EXISTS identity_owners (
			identity_id INT REFERENCES identities(id) ON DELETE CASCADE,
			token VARCHAR(255) NOT NULL,
			PRIMARY KEY (identity_id, token)
		)`,
		`CREATE TABLE IF NOT EXISTS identity_refs (
			identity_id INT REFERENCES identities(id) ON DELETE CASCADE,
			app_token VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			PRIMARY KEY (identity_id, app_token, name)
		)`,
		`CREATE TABLE IF NOT EXISTS identity_method_data (
			identity_id INT REFERENCES identities(id) ON DELETE CASCADE,
			method VARCHAR(255) NOT NULL,
			data JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (identity_id, method)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_identities_username ON identities(username)`,
	}
	for _, s := range stmts {
		if _, err := d.db.Exec(s); err != nil {
			return fmt.Errorf("migrate credentials db: %w", err)
		}
	}
	return nil
}

// Insert assigns a new id and writes every field, subject to StoreSecret.
func (d *DB) Insert(ctx context.Context, info identityinfo.IdentityInfo) (uint32, error) {
	secret, secretHash, err := secretColumns(info)
	if err != nil {
		return 0, apperror.StoreFailedErr(err)
	}
	var id uint32
	err = d.db.QueryRowContext(ctx,
		`INSERT INTO identities (username, caption, secret, secret_hash, store_secret, validated, credentials_type)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		info.UserName, info.Caption, secret, secretHash, info.StoreSecret, info.Validated, uint32(info.Type),
	).Scan(&id)
	if err != nil {
		return 0, apperror.StoreFailedErr(err)
	}
	if err := d.writeSideTables(ctx, id, info); err != nil {
		return 0, apperror.StoreFailedErr(err)
	}
	logger.Database().Info().Uint32("id", id).Msg("identity inserted")
	return id, nil
}

// Update performs a full overwrite of info's id. If the stored record is
// already validated, username is pinned to its stored value and every
// other field is applied as given (§8 P2: the store still succeeds; only
// the username is left untouched).
func (d *DB) Update(ctx context.Context, info identityinfo.IdentityInfo) error {
	var currentUsername string
	var validated bool
	err := d.db.QueryRowContext(ctx, `SELECT username, validated FROM identities WHERE id=$1`, info.ID).
		Scan(&currentUsername, &validated)
	if err == sql.ErrNoRows {
		return apperror.IdentityNotFound(info.ID)
	}
	if err != nil {
		return apperror.StoreFailedErr(err)
	}
	if validated && currentUsername != info.UserName {
		info.UserName = currentUsername
	}

	secret, secretHash, err := secretColumns(info)
	if err != nil {
		return apperror.StoreFailedErr(err)
	}
	_, err = d.db.ExecContext(ctx,
		`UPDATE identities SET username=$1, caption=$2, secret=$3, secret_hash=$4, store_secret=$5,
		 validated=$6, credentials_type=$7, updated_at=now() WHERE id=$8`,
		info.UserName, info.Caption, secret, secretHash, info.StoreSecret, info.Validated, uint32(info.Type), info.ID)
	if err != nil {
		return apperror.StoreFailedErr(err)
	}
	if err := d.clearSideTables(ctx, info.ID); err != nil {
		return apperror.StoreFailedErr(err)
	}
	if err := d.writeSideTables(ctx, info.ID, info); err != nil {
		return apperror.StoreFailedErr(err)
	}
	return nil
}

// Remove deletes an identity record entirely, including its blobs.
func (d *DB) Remove(ctx context.Context, id uint32) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM identities WHERE id=$1`, id)
	if err != nil {
		return apperror.RemoveFailedErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.IdentityNotFound(id)
	}
	d.clearPending(ctx, id)
	return nil
}

// RemoveData clears only the per-method blobs for id, leaving the record.
func (d *DB) RemoveData(ctx context.Context, id uint32) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM identity_method_data WHERE identity_id=$1`, id); err != nil {
		return apperror.RemoveFailedErr(err)
	}
	d.clearPending(ctx, id)
	return nil
}

// Clear wipes every identity and blob.
func (d *DB) Clear(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM identities`); err != nil {
		return apperror.RemoveFailedErr(err)
	}
	d.pending = make(map[string]map[string]any)
	if d.blobs != nil {
		if err := d.blobs.DeletePattern(ctx, fmt.Sprintf("%s:*", cache.PrefixMethodBlob)); err != nil {
			logger.Database().Warn().Err(err).Msg("failed to clear write-behind blob cache")
		}
	}
	return nil
}

// clearPending drops every pending write-behind blob for id from both the
// in-process map and, when attached, the Redis cache (sign-out / removal
// must not leave a stale blob that ReconcilePending would later resurrect).
func (d *DB) clearPending(ctx context.Context, id uint32) {
	for k := range d.pending {
		if strings.HasPrefix(k, fmt.Sprintf("%d:", id)) {
			delete(d.pending, k)
		}
	}
	if d.blobs != nil {
		if err := d.blobs.DeletePattern(ctx, cache.MethodBlobPattern(id)); err != nil {
			logger.Database().Warn().Err(err).Uint32("id", id).Msg("failed to clear cached blobs")
		}
	}
}

// Credentials loads an identity record. withSecret controls whether the
// secret column is populated (DB2: list/credentials never leaks it unless
// explicitly asked).
func (d *DB) Credentials(ctx context.Context, id uint32, withSecret bool) (identityinfo.IdentityInfo, error) {
	var info identityinfo.IdentityInfo
	var secret string
	var credType uint32
	err := d.db.QueryRowContext(ctx,
		`SELECT id, username, caption, secret, store_secret, validated, credentials_type
		 FROM identities WHERE id=$1`, id,
	).Scan(&info.ID, &info.UserName, &info.Caption, &secret, &info.StoreSecret, &info.Validated, &credType)
	if err == sql.ErrNoRows {
		return identityinfo.IdentityInfo{}, apperror.IdentityNotFound(id)
	}
	if err != nil {
		return identityinfo.IdentityInfo{}, apperror.StoreFailedErr(err)
	}
	info.Type = identityinfo.CredentialsType(credType)
	if withSecret {
		info.Secret = secret
	}
	if err := d.loadSideTables(ctx, &info); err != nil {
		return identityinfo.IdentityInfo{}, apperror.StoreFailedErr(err)
	}
	return info, nil
}

// List returns every identity matching filter, a property map interpreted
// conjunctively. An unrecognised filter field is ignored (per the legacy
// "unknown filter matches nothing restrictive" resolution); secrets are
// never populated.
func (d *DB) List(ctx context.Context, filter map[string]any) ([]identityinfo.IdentityInfo, error) {
	query := `SELECT id FROM identities WHERE 1=1`
	var args []any
	if u, ok := filter["username"].(string); ok && u != "" {
		args = append(args, u)
		query += fmt.Sprintf(" AND username=$%d", len(args))
	}
	if v, ok := filter["validated"].(bool); ok {
		args = append(args, v)
		query += fmt.Sprintf(" AND validated=$%d", len(args))
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperror.StoreFailedErr(err)
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, apperror.StoreFailedErr(err)
		}
		ids = append(ids, id)
	}

	out := make([]identityinfo.IdentityInfo, 0, len(ids))
	for _, id := range ids {
		info, err := d.Credentials(ctx, id, false)
		if err != nil {
			continue
		}
		out = append(out, info.WithoutSecret())
	}
	return out, nil
}

// ACL returns the set of ACL tokens for id.
func (d *DB) ACL(ctx context.Context, id uint32) ([]string, error) {
	return d.queryTokens(ctx, `SELECT token FROM identity_acl WHERE identity_id=$1`, id)
}

// Owners returns the set of owner tokens for id.
func (d *DB) Owners(ctx context.Context, id uint32) ([]string, error) {
	return d.queryTokens(ctx, `SELECT token FROM identity_owners WHERE identity_id=$1`, id)
}

func (d *DB) queryTokens(ctx context.Context, query string, id uint32) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, apperror.StoreFailedErr(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, apperror.StoreFailedErr(err)
		}
		out = append(out, t)
	}
	return out, nil
}

// AddReference records name under app_token for identity id.
func (d *DB) AddReference(ctx context.Context, id uint32, appToken, name string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO identity_refs (identity_id, app_token, name) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`, id, appToken, name)
	if err != nil {
		return apperror.StoreFailedErr(err)
	}
	return nil
}

// RemoveReference removes name from app_token's references for identity id.
func (d *DB) RemoveReference(ctx context.Context, id uint32, appToken, name string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM identity_refs WHERE identity_id=$1 AND app_token=$2 AND name=$3`, id, appToken, name)
	if err != nil {
		return apperror.RemoveFailedErr(err)
	}
	return nil
}

// StoreData persists method's blob for id. If secrets are unavailable, the
// write is queued until ReconcilePending is called (DB3).
func (d *DB) StoreData(ctx context.Context, id uint32, method string, data map[string]any, secretsAvailable bool) error {
	if !secretsAvailable {
		return d.queuePending(ctx, id, method, data)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return apperror.StoreFailedErr(err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO identity_method_data (identity_id, method, data) VALUES ($1, $2, $3)
		 ON CONFLICT (identity_id, method) DO UPDATE SET data=EXCLUDED.data`, id, method, raw)
	if err != nil {
		return apperror.StoreFailedErr(err)
	}
	return nil
}

// LoadData reads method's blob for id. If secrets are unavailable, it
// returns an empty map (DB3) after checking the write-behind cache first.
func (d *DB) LoadData(ctx context.Context, id uint32, method string, secretsAvailable bool) (map[string]any, error) {
	if v, ok := d.pendingGet(ctx, id, method); ok {
		return v, nil
	}
	if !secretsAvailable {
		return map[string]any{}, nil
	}
	var raw []byte
	err := d.db.QueryRowContext(ctx,
		`SELECT data FROM identity_method_data WHERE identity_id=$1 AND method=$2`, id, method).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, apperror.StoreFailedErr(err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperror.StoreFailedErr(err)
	}
	return out, nil
}

// ReconcilePending flushes any write-behind blobs queued while secrets were
// unavailable, once the volume is mounted again.
func (d *DB) ReconcilePending(ctx context.Context) error {
	for k, v := range d.pending {
		id, method := splitBlobKey(k)
		if err := d.flushPending(ctx, id, method, v); err != nil {
			return err
		}
		delete(d.pending, k)
	}
	if d.blobs == nil {
		return nil
	}
	keys, err := d.blobs.ScanKeys(ctx, fmt.Sprintf("%s:*", cache.PrefixMethodBlob))
	if err != nil {
		return apperror.StoreFailedErr(err)
	}
	for _, k := range keys {
		id, method, ok := parseMethodBlobKey(k)
		if !ok {
			continue
		}
		var v map[string]any
		if err := d.blobs.Get(ctx, k, &v); err != nil {
			continue
		}
		if err := d.flushPending(ctx, id, method, v); err != nil {
			return err
		}
		if err := d.blobs.Delete(ctx, k); err != nil {
			logger.Database().Warn().Err(err).Str("key", k).Msg("failed to clear reconciled blob cache entry")
		}
	}
	return nil
}

// parseMethodBlobKey reverses cache.MethodBlobKey's "methodblob:<id>:<method>" format.
func parseMethodBlobKey(k string) (id uint32, method string, ok bool) {
	parts := strings.SplitN(k, ":", 3)
	if len(parts) != 3 || parts[0] != cache.PrefixMethodBlob {
		return 0, "", false
	}
	n, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, "", false
	}
	return uint32(n), parts[2], true
}

// queuePending records a blob write while secrets are unavailable, using
// the attached Redis cache when present so every daemon worker observes
// the same pending write, falling back to the in-process map otherwise.
func (d *DB) queuePending(ctx context.Context, id uint32, method string, data map[string]any) error {
	if d.blobs != nil {
		if err := d.blobs.Set(ctx, cache.MethodBlobKey(id, method), data, pendingTTL); err != nil {
			logger.Database().Warn().Err(err).Msg("write-behind cache unavailable, falling back to in-process queue")
			d.pending[blobKey(id, method)] = data
			return nil
		}
		return nil
	}
	d.pending[blobKey(id, method)] = data
	return nil
}

func (d *DB) pendingGet(ctx context.Context, id uint32, method string) (map[string]any, bool) {
	if v, ok := d.pending[blobKey(id, method)]; ok {
		return v, true
	}
	if d.blobs == nil {
		return nil, false
	}
	var out map[string]any
	if err := d.blobs.Get(ctx, cache.MethodBlobKey(id, method), &out); err != nil {
		return nil, false
	}
	return out, true
}

func (d *DB) flushPending(ctx context.Context, id uint32, method string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return apperror.StoreFailedErr(err)
	}
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO identity_method_data (identity_id, method, data) VALUES ($1, $2, $3)
		 ON CONFLICT (identity_id, method) DO UPDATE SET data=EXCLUDED.data`, id, method, raw); err != nil {
		return apperror.StoreFailedErr(err)
	}
	return nil
}

// CheckPassword compares secret against the stored bcrypt hash for id,
// also requiring the stored username to match. The hash lives in a
// separate secret_hash column from the plaintext secret column:
// Credentials(id, true) must still be able to hand plugins the
// plaintext secret (§4.5 dispatch-time composition), so verification
// cannot consume the only persisted copy.
func (d *DB) CheckPassword(ctx context.Context, id uint32, username, secret string) (bool, error) {
	var storedUsername, hash string
	err := d.db.QueryRowContext(ctx, `SELECT username, secret_hash FROM identities WHERE id=$1`, id).
		Scan(&storedUsername, &hash)
	if err == sql.ErrNoRows {
		return false, apperror.IdentityNotFound(id)
	}
	if err != nil {
		return false, apperror.StoreFailedErr(err)
	}
	if storedUsername != username || hash == "" {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil, nil
}

// HashSecret hashes a plaintext secret for storage in secret_hash.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// secretColumns derives the (secret, secret_hash) pair Insert/Update
// persist: the plaintext column subject to StoreSecret/I3, and its
// bcrypt hash for CheckPassword, computed whenever a secret is present
// regardless of StoreSecret so verify_secret/verify_user keep working
// even for identities that do not want their plaintext secret retained
// (I3 binds the plaintext column only).
func secretColumns(info identityinfo.IdentityInfo) (secret, hash string, err error) {
	if info.StoreSecret {
		secret = info.Secret
	}
	if info.Secret == "" {
		return secret, "", nil
	}
	hash, err = HashSecret(info.Secret)
	if err != nil {
		return "", "", fmt.Errorf("hash secret: %w", err)
	}
	return secret, hash, nil
}

func (d *DB) writeSideTables(ctx context.Context, id uint32, info identityinfo.IdentityInfo) error {
	for _, r := range info.Realms {
		if _, err := d.db.ExecContext(ctx,
			`INSERT INTO identity_realms (identity_id, realm) VALUES ($1,$2) ON CONFLICT DO NOTHING`, id, r); err != nil {
			return err
		}
	}
	for method, mechs := range info.Methods {
		for _, m := range mechs {
			if _, err := d.db.ExecContext(ctx,
				`INSERT INTO identity_methods (identity_id, method, mechanism) VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`,
				id, method, m); err != nil {
				return err
			}
		}
	}
	for _, t := range info.ACL {
		if _, err := d.db.ExecContext(ctx,
			`INSERT INTO identity_acl (identity_id, token) VALUES ($1,$2) ON CONFLICT DO NOTHING`, id, t); err != nil {
			return err
		}
	}
	for _, t := range info.Owners {
		if _, err := d.db.ExecContext(ctx,
			`INSERT INTO identity_owners (identity_id, token) VALUES ($1,$2) ON CONFLICT DO NOTHING`, id, t); err != nil {
			return err
		}
	}
	for appToken, names := range info.Refs {
		for _, n := range names {
			if _, err := d.db.ExecContext(ctx,
				`INSERT INTO identity_refs (identity_id, app_token, name) VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`,
				id, appToken, n); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *DB) clearSideTables(ctx context.Context, id uint32) error {
	tables := []string{"identity_realms", "identity_methods", "identity_acl", "identity_owners", "identity_refs"}
	for _, t := range tables {
		if _, err := d.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE identity_id=$1`, t), id); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) loadSideTables(ctx context.Context, info *identityinfo.IdentityInfo) error {
	var err error
	if info.Realms, err = d.queryTokens(ctx, `SELECT realm FROM identity_realms WHERE identity_id=$1`, info.ID); err != nil {
		return err
	}
	if info.ACL, err = d.queryTokens(ctx, `SELECT token FROM identity_acl WHERE identity_id=$1`, info.ID); err != nil {
		return err
	}
	if info.Owners, err = d.queryTokens(ctx, `SELECT token FROM identity_owners WHERE identity_id=$1`, info.ID); err != nil {
		return err
	}

	rows, err := d.db.QueryContext(ctx, `SELECT method, mechanism FROM identity_methods WHERE identity_id=$1`, info.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	info.Methods = map[string][]string{}
	for rows.Next() {
		var method, mech string
		if err := rows.Scan(&method, &mech); err != nil {
			return err
		}
		info.Methods[method] = append(info.Methods[method], mech)
	}

	refRows, err := d.db.QueryContext(ctx, `SELECT app_token, name FROM identity_refs WHERE identity_id=$1`, info.ID)
	if err != nil {
		return err
	}
	defer refRows.Close()
	info.Refs = map[string][]string{}
	for refRows.Next() {
		var appToken, name string
		if err := refRows.Scan(&appToken, &name); err != nil {
			return err
		}
		info.Refs[appToken] = append(info.Refs[appToken], name)
	}
	return nil
}

func blobKey(id uint32, method string) string { return fmt.Sprintf("%d:%s", id, method) }

func splitBlobKey(k string) (uint32, string) {
	parts := strings.SplitN(k, ":", 2)
	id, _ := strconv.ParseUint(parts[0], 10, 32)
	method := ""
	if len(parts) > 1 {
		method = parts[1]
	}
	return uint32(id), method
}
