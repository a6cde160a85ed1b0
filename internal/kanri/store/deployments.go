package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bdobrica/Kanri/common/spec/manifest"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

// Deployment is the persisted record of one installed profile.
type Deployment struct {
	Profile      string
	ManifestName string
	ManifestPath sql.NullString
	// Manifest is the validated manifest the install ran with.
	Manifest    manifest.Manifest
	TargetType  manifest.TargetType
	Port        int
	InstanceID  sql.NullString
	ServiceName sql.NullString
	Resources   map[string]string

	// Last observed status. Display only: targets always re-derive state
	// from the platform.
	LastState     target.State
	LastDetail    sql.NullString
	LastCheckedAt sql.NullTime

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Binding rebuilds the target binding from the record.
func (d *Deployment) Binding() target.Binding {
	return target.Binding{
		Profile:     d.Profile,
		Port:        d.Port,
		InstanceID:  d.InstanceID.String,
		ServiceName: d.ServiceName.String,
		Resources:   d.Resources,
	}
}

// NewDeployment builds the record for a successful install.
func NewDeployment(m manifest.Manifest, manifestPath string, b target.Binding) *Deployment {
	return &Deployment{
		Profile:      b.Profile,
		ManifestName: m.Metadata.Name,
		ManifestPath: nullString(manifestPath),
		Manifest:     m,
		TargetType:   m.Target.Type,
		Port:         b.Port,
		InstanceID:   nullString(b.InstanceID),
		ServiceName:  nullString(b.ServiceName),
		Resources:    b.Resources,
		LastState:    target.StateStopped,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeResources(r map[string]string) (sql.NullString, error) {
	if len(r) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode resources: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// SaveDeployment inserts d or replaces the existing record for its profile,
// keeping the original creation time.
func (s *Store) SaveDeployment(ctx context.Context, d *Deployment) error {
	resources, err := encodeResources(d.Resources)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(d.Manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.LastState == "" {
		d.LastState = target.StateNotInstalled
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deployments (profile, manifest_name, manifest_path, manifest_json, target_type, port,
		                         instance_id, service_name, resources_json,
		                         last_state, last_detail, last_checked_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile) DO UPDATE SET
			manifest_name = excluded.manifest_name,
			manifest_path = excluded.manifest_path,
			manifest_json = excluded.manifest_json,
			target_type = excluded.target_type,
			port = excluded.port,
			instance_id = excluded.instance_id,
			service_name = excluded.service_name,
			resources_json = excluded.resources_json,
			last_state = excluded.last_state,
			last_detail = excluded.last_detail,
			last_checked_at = excluded.last_checked_at,
			updated_at = excluded.updated_at
	`, d.Profile, d.ManifestName, d.ManifestPath, string(doc), string(d.TargetType), d.Port,
		d.InstanceID, d.ServiceName, resources,
		string(d.LastState), d.LastDetail, d.LastCheckedAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save deployment: %w", err)
	}
	return nil
}

const deploymentColumns = `profile, manifest_name, manifest_path, manifest_json, target_type, port,
	instance_id, service_name, resources_json, last_state, last_detail,
	last_checked_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*Deployment, error) {
	d := &Deployment{}
	var doc, targetType, state string
	var resources sql.NullString
	err := row.Scan(
		&d.Profile, &d.ManifestName, &d.ManifestPath, &doc, &targetType, &d.Port,
		&d.InstanceID, &d.ServiceName, &resources, &state, &d.LastDetail,
		&d.LastCheckedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(doc), &d.Manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest of %s: %w", d.Profile, err)
	}
	d.TargetType = manifest.TargetType(targetType)
	d.LastState = target.State(state)
	if resources.Valid {
		if err := json.Unmarshal([]byte(resources.String), &d.Resources); err != nil {
			return nil, fmt.Errorf("failed to decode resources of %s: %w", d.Profile, err)
		}
	}
	return d, nil
}

// GetDeployment returns the record for profile, or ErrNotFound.
func (s *Store) GetDeployment(ctx context.Context, profile string) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE profile = ?`, profile)
	d, err := scanDeployment(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, profile)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// ListDeployments returns every record ordered by profile.
func (s *Store) ListDeployments(ctx context.Context) ([]*Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deploymentColumns+` FROM deployments ORDER BY profile`)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}
	return out, nil
}

// RecordStatus stores the last observed status of profile.
func (s *Store) RecordStatus(ctx context.Context, profile string, st target.Status, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET last_state = ?, last_detail = ?, last_checked_at = ?
		WHERE profile = ?
	`, string(st.State), nullString(st.Detail), at.UTC(), profile)
	if err != nil {
		return fmt.Errorf("failed to record status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, profile)
	}
	return nil
}

// DeleteDeployment removes the record for profile. Missing records are not
// an error.
func (s *Store) DeleteDeployment(ctx context.Context, profile string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE profile = ?`, profile); err != nil {
		return fmt.Errorf("failed to delete deployment: %w", err)
	}
	return nil
}
