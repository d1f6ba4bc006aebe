package onboard

import (
	serr "github.com/CodedInternet/goservo/onboard/errors"
)

// Registry is an ordered servo_id -> ServoConfig mapping. Mutations return a
// new Registry and leave the receiver untouched, so a change can be persisted
// before anyone observes it.
type Registry struct {
	order   []string
	configs map[string]ServoConfig
}

// NewRegistry builds a registry from stored records. Records are not
// validated here; invalid or conflicting entries are skipped at bind time.
func NewRegistry(records []Record) *Registry {
	r := &Registry{configs: make(map[string]ServoConfig, len(records))}
	for _, rec := range records {
		if _, ok := r.configs[rec.ID]; !ok {
			r.order = append(r.order, rec.ID)
		}
		r.configs[rec.ID] = rec.Config.Clone()
	}
	return r
}

func (r *Registry) Len() int { return len(r.order) }

func (r *Registry) Get(id string) (ServoConfig, bool) {
	cfg, ok := r.configs[id]
	if !ok {
		return ServoConfig{}, false
	}
	return cfg.Clone(), true
}

func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

func (r *Registry) Records() []Record {
	records := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		records = append(records, Record{ID: id, Config: r.configs[id].Clone()})
	}
	return records
}

// holder returns the enabled servo other than except that claims channel.
func (r *Registry) holder(channel int, except string) (string, bool) {
	for _, id := range r.order {
		if id == except {
			continue
		}
		cfg := r.configs[id]
		if cfg.IsEnabled() && cfg.ChannelNumber() == channel {
			return id, true
		}
	}
	return "", false
}

func (r *Registry) check(id string, cfg ServoConfig) error {
	if err := cfg.Validate(id); err != nil {
		return err
	}
	if !cfg.IsEnabled() {
		return nil
	}
	if other, taken := r.holder(*cfg.Channel, id); taken {
		return serr.ConflictError{ID: id, Channel: *cfg.Channel, HeldBy: other}
	}
	return nil
}

func (r *Registry) clone() *Registry {
	next := &Registry{
		order:   append([]string(nil), r.order...),
		configs: make(map[string]ServoConfig, len(r.configs)),
	}
	for id, cfg := range r.configs {
		next.configs[id] = cfg
	}
	return next
}

// WithAdd validates cfg and returns a registry containing it.
func (r *Registry) WithAdd(id string, cfg ServoConfig) (*Registry, error) {
	if _, exists := r.configs[id]; exists {
		return nil, serr.ValidationError{ID: id, Field: "servo_id", Reason: "already exists"}
	}
	if err := r.check(id, cfg); err != nil {
		return nil, err
	}
	next := r.clone()
	next.order = append(next.order, id)
	next.configs[id] = cfg.Clone()
	return next, nil
}

// WithUpdate merges patch into the servo stored under id, validates the
// result and returns a registry containing it along with the merged config.
func (r *Registry) WithUpdate(id string, patch ServoConfig) (*Registry, ServoConfig, error) {
	current, exists := r.configs[id]
	if !exists {
		return nil, ServoConfig{}, serr.NotFoundError{ID: id}
	}
	merged := current.Merge(patch)
	if err := r.check(id, merged); err != nil {
		return nil, ServoConfig{}, err
	}
	next := r.clone()
	next.configs[id] = merged
	return next, merged.Clone(), nil
}

func (r *Registry) WithRemove(id string) (*Registry, error) {
	if _, exists := r.configs[id]; !exists {
		return nil, serr.NotFoundError{ID: id}
	}
	next := r.clone()
	delete(next.configs, id)
	order := next.order[:0]
	for _, other := range next.order {
		if other != id {
			order = append(order, other)
		}
	}
	next.order = order
	return next, nil
}
