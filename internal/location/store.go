package location

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store persists the storage inventory: spaces, locations, pipelines, sword
// servers and files.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveSpace inserts or updates a space together with its protocol extension row.
func (s *Store) SaveSpace(ctx context.Context, sp Space) error {
	if err := sp.Validate(); err != nil {
		return err
	}
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO spaces(uuid, access_protocol, path, size, used, verified, last_verified, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(uuid) DO UPDATE SET
  access_protocol = excluded.access_protocol,
  path            = excluded.path,
  size            = excluded.size,
  used            = excluded.used;
`, sp.UUID, string(sp.Protocol), sp.Path, nullInt(sp.Size), sp.Used, sp.Verified, formatTimePtr(sp.LastVerified), formatTime(sp.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert space: %w", err)
	}

	// Exactly one extension row per space.
	if _, err := tx.ExecContext(ctx, `DELETE FROM space_local WHERE space_uuid = ?;`, sp.UUID); err != nil {
		return fmt.Errorf("clear local extension: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM space_nfs WHERE space_uuid = ?;`, sp.UUID); err != nil {
		return fmt.Errorf("clear nfs extension: %w", err)
	}
	switch sp.Protocol {
	case ProtocolLocal:
		_, err = tx.ExecContext(ctx, `INSERT INTO space_local(space_uuid) VALUES(?);`, sp.UUID)
	case ProtocolNFS:
		version := sp.NFS.Version
		if version == "" {
			version = "nfs4"
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO space_nfs(space_uuid, remote_name, remote_path, version, manually_mounted)
VALUES(?, ?, ?, ?, ?);
`, sp.UUID, sp.NFS.RemoteName, sp.NFS.RemotePath, version, sp.NFS.ManuallyMounted)
	}
	if err != nil {
		return fmt.Errorf("insert %s extension: %w", sp.Protocol, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const spaceColumns = `
  s.uuid, s.access_protocol, s.path, s.size, s.used, s.verified, s.last_verified, s.created_at,
  n.remote_name, n.remote_path, n.version, n.manually_mounted`

const spaceFrom = `
FROM spaces s
LEFT JOIN space_nfs n ON n.space_uuid = s.uuid`

// GetSpace returns the space with uuid or ErrNotFound.
func (s *Store) GetSpace(ctx context.Context, uuid string) (*Space, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+spaceColumns+spaceFrom+` WHERE s.uuid = ?;`, uuid)
	sp, err := scanSpace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("space %s: %w", uuid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get space: %w", err)
	}
	return sp, nil
}

// ListSpaces returns all spaces ordered by creation.
func (s *Store) ListSpaces(ctx context.Context) ([]Space, error) {
	return s.querySpaces(ctx, `SELECT `+spaceColumns+spaceFrom+` ORDER BY s.created_at, s.uuid;`)
}

// ListSwordSpaces returns the spaces that have a sword server configured.
func (s *Store) ListSwordSpaces(ctx context.Context) ([]Space, error) {
	return s.querySpaces(ctx, `SELECT `+spaceColumns+spaceFrom+`
JOIN sword_servers w ON w.space_uuid = s.uuid
ORDER BY s.created_at, s.uuid;`)
}

func (s *Store) querySpaces(ctx context.Context, query string, args ...any) ([]Space, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	var out []Space
	for rows.Next() {
		sp, err := scanSpace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		out = append(out, *sp)
	}
	return out, rows.Err()
}

// UpdateSpaceVerification records the outcome of a Verify probe.
func (s *Store) UpdateSpaceVerification(ctx context.Context, uuid string, verified bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE spaces SET verified = ?, last_verified = ? WHERE uuid = ?;`,
		verified, formatTime(at), uuid)
	if err != nil {
		return fmt.Errorf("update space verification: %w", err)
	}
	return expectOne(res, "space", uuid)
}

// SaveLocation inserts or updates a location row.
func (s *Store) SaveLocation(ctx context.Context, loc Location) error {
	if loc.UUID == "" || loc.SpaceUUID == "" {
		return fmt.Errorf("location uuid and space are required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO locations(uuid, space_uuid, purpose, relative_path, description, quota, used, disabled)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(uuid) DO UPDATE SET
  space_uuid    = excluded.space_uuid,
  purpose       = excluded.purpose,
  relative_path = excluded.relative_path,
  description   = excluded.description,
  quota         = excluded.quota,
  disabled      = excluded.disabled;
`, loc.UUID, loc.SpaceUUID, string(loc.Purpose), loc.RelativePath, loc.Description, nullInt(loc.Quota), loc.Used, loc.Disabled)
	if err != nil {
		return fmt.Errorf("upsert location: %w", err)
	}
	return nil
}

// LinkPipeline associates a location with a pipeline. Linking twice is a no-op.
func (s *Store) LinkPipeline(ctx context.Context, locationUUID, pipelineUUID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO location_pipelines(location_uuid, pipeline_uuid) VALUES(?, ?)
ON CONFLICT(location_uuid, pipeline_uuid) DO NOTHING;
`, locationUUID, pipelineUUID)
	if err != nil {
		return fmt.Errorf("link location %s to pipeline %s: %w", locationUUID, pipelineUUID, err)
	}
	return nil
}

const locationColumns = `l.uuid, l.space_uuid, l.purpose, l.relative_path, l.description, l.quota, l.used, l.disabled`

// GetLocation returns the location with uuid or ErrNotFound.
func (s *Store) GetLocation(ctx context.Context, uuid string) (*Location, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+locationColumns+` FROM locations l WHERE l.uuid = ?;`, uuid)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("location %s: %w", uuid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get location: %w", err)
	}
	return loc, nil
}

// PipelineLocations returns the enabled locations with purpose linked to pipelineUUID.
func (s *Store) PipelineLocations(ctx context.Context, pipelineUUID string, purpose Purpose) ([]Location, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+locationColumns+`
FROM locations l
JOIN location_pipelines lp ON lp.location_uuid = l.uuid
WHERE lp.pipeline_uuid = ? AND l.purpose = ? AND l.disabled = 0
ORDER BY l.uuid;
`, pipelineUUID, string(purpose))
	if err != nil {
		return nil, fmt.Errorf("list pipeline locations: %w", err)
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		out = append(out, *loc)
	}
	return out, rows.Err()
}

// SavePipeline inserts or updates a pipeline.
func (s *Store) SavePipeline(ctx context.Context, p Pipeline) error {
	if p.UUID == "" {
		return fmt.Errorf("pipeline uuid is empty")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pipelines(uuid, description, remote_name, api_username, api_key, enabled)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(uuid) DO UPDATE SET
  description  = excluded.description,
  remote_name  = excluded.remote_name,
  api_username = excluded.api_username,
  api_key      = excluded.api_key,
  enabled      = excluded.enabled;
`, p.UUID, p.Description, p.RemoteName, p.APIUsername, p.APIKey, p.Enabled)
	if err != nil {
		return fmt.Errorf("upsert pipeline: %w", err)
	}
	return nil
}

// GetPipeline returns the pipeline with uuid or ErrNotFound.
func (s *Store) GetPipeline(ctx context.Context, uuid string) (*Pipeline, error) {
	var p Pipeline
	err := s.db.QueryRowContext(ctx, `
SELECT uuid, description, remote_name, api_username, api_key, enabled FROM pipelines WHERE uuid = ?;
`, uuid).Scan(&p.UUID, &p.Description, &p.RemoteName, &p.APIUsername, &p.APIKey, &p.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pipeline %s: %w", uuid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return &p, nil
}

// SaveSwordServer links a space to a pipeline. A space has at most one sword server.
func (s *Store) SaveSwordServer(ctx context.Context, w SwordServer) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sword_servers(uuid, space_uuid, pipeline_uuid) VALUES(?, ?, ?)
ON CONFLICT(uuid) DO UPDATE SET
  space_uuid    = excluded.space_uuid,
  pipeline_uuid = excluded.pipeline_uuid;
`, w.UUID, w.SpaceUUID, w.PipelineUUID)
	if err != nil {
		return fmt.Errorf("upsert sword server: %w", err)
	}
	return nil
}

// SwordServerForSpace returns the sword server of a space or ErrNotFound.
func (s *Store) SwordServerForSpace(ctx context.Context, spaceUUID string) (*SwordServer, error) {
	return s.getSwordServer(ctx, `WHERE space_uuid = ?`, spaceUUID)
}

// FirstSwordServerForPipeline returns the earliest sword server pointing at pipelineUUID.
func (s *Store) FirstSwordServerForPipeline(ctx context.Context, pipelineUUID string) (*SwordServer, error) {
	return s.getSwordServer(ctx, `WHERE pipeline_uuid = ? ORDER BY rowid LIMIT 1`, pipelineUUID)
}

func (s *Store) getSwordServer(ctx context.Context, where string, arg string) (*SwordServer, error) {
	var w SwordServer
	err := s.db.QueryRowContext(ctx, `SELECT uuid, space_uuid, pipeline_uuid FROM sword_servers `+where+`;`, arg).
		Scan(&w.UUID, &w.SpaceUUID, &w.PipelineUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sword server for %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get sword server: %w", err)
	}
	return &w, nil
}

// CreateFile records a new file row.
func (s *Store) CreateFile(ctx context.Context, f File) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO files(uuid, origin_location, origin_path, current_location, current_path, size, package_type, uploaded, checksum, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, f.UUID, nullString(f.OriginLocation), f.OriginPath, nullString(f.CurrentLocation), f.CurrentPath,
		f.Size, string(f.PackageType), f.Uploaded, nullString(f.Checksum), formatTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// MarkFileStored records the fixity digest and size of a stored file and flags it uploaded.
func (s *Store) MarkFileStored(ctx context.Context, uuid, checksum string, size int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE files SET uploaded = 1, checksum = ?, size = ? WHERE uuid = ?;`, checksum, size, uuid)
	if err != nil {
		return fmt.Errorf("mark file stored: %w", err)
	}
	return expectOne(res, "file", uuid)
}

// GetFile returns the file with uuid or ErrNotFound.
func (s *Store) GetFile(ctx context.Context, uuid string) (*File, error) {
	var (
		f                       File
		originLoc, currentLoc   sql.NullString
		packageType, createdAtS string
		checksum                sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT uuid, origin_location, origin_path, current_location, current_path, size, package_type, uploaded, checksum, created_at
FROM files WHERE uuid = ?;
`, uuid).Scan(&f.UUID, &originLoc, &f.OriginPath, &currentLoc, &f.CurrentPath, &f.Size, &packageType, &f.Uploaded, &checksum, &createdAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", uuid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	f.OriginLocation = originLoc.String
	f.CurrentLocation = currentLoc.String
	f.PackageType = PackageType(packageType)
	f.Checksum = checksum.String
	f.CreatedAt = parseTime(createdAtS)
	return &f, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSpace(row scanner) (*Space, error) {
	var (
		sp                     Space
		protocol, createdAtS   string
		size                   sql.NullInt64
		lastVerified           sql.NullString
		remoteName, remotePath sql.NullString
		version                sql.NullString
		manuallyMounted        sql.NullBool
	)
	if err := row.Scan(&sp.UUID, &protocol, &sp.Path, &size, &sp.Used, &sp.Verified, &lastVerified, &createdAtS,
		&remoteName, &remotePath, &version, &manuallyMounted); err != nil {
		return nil, err
	}
	sp.Protocol = Protocol(protocol)
	if size.Valid {
		v := size.Int64
		sp.Size = &v
	}
	sp.LastVerified = parseTimePtr(lastVerified)
	sp.CreatedAt = parseTime(createdAtS)
	if remoteName.Valid {
		sp.NFS = &NFSDetails{
			RemoteName:      remoteName.String,
			RemotePath:      remotePath.String,
			Version:         version.String,
			ManuallyMounted: manuallyMounted.Bool,
		}
	}
	return &sp, nil
}

func scanLocation(row scanner) (*Location, error) {
	var (
		loc     Location
		purpose string
		quota   sql.NullInt64
	)
	if err := row.Scan(&loc.UUID, &loc.SpaceUUID, &purpose, &loc.RelativePath, &loc.Description, &quota, &loc.Used, &loc.Disabled); err != nil {
		return nil, err
	}
	loc.Purpose = Purpose(purpose)
	if quota.Valid {
		v := quota.Int64
		loc.Quota = &v
	}
	return &loc, nil
}

func expectOne(res sql.Result, kind, uuid string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, uuid, ErrNotFound)
	}
	return nil
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
