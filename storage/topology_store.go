package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/squareup/corax/cluster"
	"github.com/squareup/corax/errors"
)

// FileTopologyStore persists one topology snapshot per server hash as a JSON
// file. Saves go through a temp file and a rename so a crash never leaves a
// torn snapshot behind.
type FileTopologyStore struct {
	dir string
}

var _ cluster.TopologyStore = &FileTopologyStore{}

func NewFileTopologyStore(dir string) (*FileTopologyStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.WithStack(err)
	}
	return &FileTopologyStore{dir: dir}, nil
}

func (s *FileTopologyStore) snapshotPath(serverHash uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("topology-%016x.json", serverHash))
}

// Load returns the stored membership for the hash, or (nil, nil) when none
// has been saved yet.
func (s *FileTopologyStore) Load(serverHash uint64) ([]*cluster.NodeDescriptor, error) {
	b, err := os.ReadFile(s.snapshotPath(serverHash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	var nodes []*cluster.NodeDescriptor
	if err := json.Unmarshal(b, &nodes); err != nil {
		return nil, errors.Wrapf(err, "corrupt topology snapshot %s", s.snapshotPath(serverHash))
	}
	return nodes, nil
}

// Save atomically replaces the stored membership for the hash.
func (s *FileTopologyStore) Save(serverHash uint64, nodes []*cluster.NodeDescriptor) error {
	b, err := json.MarshalIndent(nodes, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	tmp, err := os.CreateTemp(s.dir, "topology-*.tmp")
	if err != nil {
		return errors.WithStack(err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(b); err != nil {
		tmp.Close() //nolint:errcheck
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), s.snapshotPath(serverHash)))
}
