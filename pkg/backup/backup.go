package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"
)

// FormatVersion is written into every snapshot. Snapshots with a newer
// version are refused on read.
const FormatVersion = 1

const nameLayout = "20060102T150405.000Z"

var (
	ErrNotFound           = errors.New("snapshot not found")
	ErrInvalidName        = errors.New("invalid snapshot name")
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// Snapshot is the envelope stored for every archive write.
type Snapshot struct {
	Version   int             `json:"version"`
	Kind      string          `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	Count     int             `json:"count"`
	Payload   json.RawMessage `json:"payload"`
}

// Storage is a flat namespace of named blobs.
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// Archive writes timestamped snapshots of one kind of data to a Storage.
type Archive struct {
	storage Storage
	kind    string
	now     func() time.Time
}

func NewArchive(storage Storage, kind string) *Archive {
	return &Archive{
		storage: storage,
		kind:    kind,
		now:     time.Now,
	}
}

func (a *Archive) prefix() string {
	return a.kind + "-"
}

// Write stores payload as a new snapshot and returns its name.
func (a *Archive) Write(ctx context.Context, payload any, count int) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", a.kind, err)
	}

	created := a.now().UTC()
	snapshot := Snapshot{
		Version:   FormatVersion,
		Kind:      a.kind,
		CreatedAt: created,
		Count:     count,
		Payload:   raw,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	name := a.prefix() + created.Format(nameLayout) + ".json"
	if err := a.storage.Save(ctx, name, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to save snapshot %s: %w", name, err)
	}
	return name, nil
}

// Read loads the named snapshot and decodes its payload into out.
func (a *Archive) Read(ctx context.Context, name string, out any) (*Snapshot, error) {
	if !strings.HasPrefix(name, a.prefix()) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	reader, err := a.storage.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(reader).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", name, err)
	}
	if snapshot.Version < 1 || snapshot.Version > FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, snapshot.Version)
	}
	if snapshot.Kind != a.kind {
		return nil, fmt.Errorf("%w: snapshot holds %q", ErrInvalidName, snapshot.Kind)
	}
	if out != nil {
		if err := json.Unmarshal(snapshot.Payload, out); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", a.kind, err)
		}
	}
	return &snapshot, nil
}

// List returns the snapshot names oldest first.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	names, err := a.storage.List(ctx, a.prefix())
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

// Latest returns the newest snapshot name.
func (a *Archive) Latest(ctx context.Context) (string, error) {
	names, err := a.List(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNotFound
	}
	return names[len(names)-1], nil
}

// Prune deletes all but the newest keep snapshots and returns what it removed.
func (a *Archive) Prune(ctx context.Context, keep int) ([]string, error) {
	names, err := a.List(ctx)
	if err != nil {
		return nil, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(names) <= keep {
		return nil, nil
	}

	stale := names[:len(names)-keep]
	removed := make([]string, 0, len(stale))
	for _, name := range stale {
		if err := a.storage.Delete(ctx, name); err != nil {
			return removed, fmt.Errorf("failed to delete snapshot %s: %w", name, err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
