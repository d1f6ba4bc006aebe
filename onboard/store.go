package onboard

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	STORE_VERSION    = "1.0.0"
	STORE_CONSTRAINT = "~1.0"
)

// Store persists the registry as a whole. Save replaces every record.
type Store interface {
	Load() ([]Record, error)
	Save(records []Record) error
}

// FileStore keeps the registry in a single yaml document. Saves write a
// temporary file next to the target and rename it into place.
type FileStore struct {
	path string
	lock sync.RWMutex
}

type storeDocument struct {
	Version string        `yaml:"version"`
	Servos  yaml.MapSlice `yaml:"servos"`
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

// Load returns no records when the file does not exist yet. The flat
// {id: config} JSON layout written by earlier releases is read as 1.0.0.
func (s *FileStore) Load() ([]Record, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	data, err := ioutil.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", s.path)
	}
	return parseStore(data)
}

func parseStore(data []byte) ([]Record, error) {
	var doc yaml.MapSlice
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "decode store")
	}

	version, servos, versioned := splitDocument(doc)
	if !versioned {
		return decodeKeyed(doc)
	}

	semVer, err := semver.NewVersion(version)
	if err != nil {
		return nil, errors.Wrapf(err, "store version %q", version)
	}
	constraint, err := semver.NewConstraint(STORE_CONSTRAINT)
	if err != nil {
		return nil, err
	}
	if !constraint.Check(semVer) {
		return nil, fmt.Errorf("unable to read store version %s - require %s", version, STORE_CONSTRAINT)
	}
	return decodeKeyed(servos)
}

func splitDocument(doc yaml.MapSlice) (version string, servos yaml.MapSlice, ok bool) {
	var hasVersion bool
	for _, item := range doc {
		switch item.Key {
		case "version":
			switch v := item.Value.(type) {
			case yaml.MapSlice, []interface{}:
				return "", nil, false
			default:
				version, hasVersion = fmt.Sprint(v), true
			}
		case "servos":
			switch v := item.Value.(type) {
			case yaml.MapSlice:
				servos = v
			case nil:
			default:
				return "", nil, false
			}
		}
	}
	return version, servos, hasVersion
}

func (s *FileStore) Save(records []Record) error {
	data, err := yaml.Marshal(storeDocument{
		Version: STORE_VERSION,
		Servos:  encodeKeyed(records),
	})
	if err != nil {
		return errors.Wrap(err, "encode store")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	tmp, err := ioutil.TempFile(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return errors.Wrap(err, "create temporary store")
	}
	defer os.Remove(tmp.Name()) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", tmp.Name())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "sync %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp.Name())
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return errors.Wrapf(err, "chmod %s", tmp.Name())
	}
	return errors.Wrapf(os.Rename(tmp.Name(), s.path), "replace %s", s.path)
}

// Seed writes records into an empty store. It reports whether anything was written.
func Seed(store Store, records []Record) (bool, error) {
	if len(records) == 0 {
		return false, nil
	}
	existing, err := store.Load()
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	return true, store.Save(records)
}
