package onboard

import (
	"github.com/asdine/storm/v3"
	"github.com/pkg/errors"
)

// StormStore keeps the registry in a bolt database through storm. Each Save
// runs in one transaction, so readers see either the old or the new set.
type StormStore struct {
	db *storm.DB
}

type stormRecord struct {
	ID     string `storm:"id"`
	Seq    int    `storm:"index"`
	Config ServoConfig
}

func OpenStormStore(path string) (*StormStore, error) {
	db, err := storm.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &StormStore{db: db}, nil
}

func (s *StormStore) Load() ([]Record, error) {
	var rows []stormRecord
	if err := s.db.AllByIndex("Seq", &rows); err != nil && err != storm.ErrNotFound {
		return nil, errors.Wrap(err, "load servos")
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{ID: row.ID, Config: row.Config})
	}
	return records, nil
}

func (s *StormStore) Save(records []Record) (err error) {
	tx, err := s.db.Begin(true)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var existing []stormRecord
	if err = tx.All(&existing); err == storm.ErrNotFound {
		err = nil
	}
	if err != nil {
		return errors.Wrap(err, "list servos")
	}
	for i := range existing {
		if err = tx.DeleteStruct(&existing[i]); err != nil {
			return errors.Wrapf(err, "delete %s", existing[i].ID)
		}
	}
	for i, r := range records {
		// zero values are not indexed, so sequence numbers start at 1
		row := stormRecord{ID: r.ID, Seq: i + 1, Config: r.Config}
		if err = tx.Save(&row); err != nil {
			return errors.Wrapf(err, "save %s", r.ID)
		}
	}
	err = errors.Wrap(tx.Commit(), "commit")
	return
}

func (s *StormStore) Close() error {
	return s.db.Close()
}
