package replication

import (
	"encoding/json"

	"github.com/corviddb/corvid/internal/corvidlog"
	"github.com/corviddb/corvid/internal/store"
)

// destinationsDocumentKey is the well-known key holding the replication
// configuration document (spec §6).
const destinationsDocumentKey = "replication/destinations"

// destinationsDocument is the on-disk shape of the configuration document
// read by DestinationRegistry.Load.
type destinationsDocument struct {
	Destinations []destinationEntry `json:"destinations"`
}

type destinationEntry struct {
	URL                   string   `json:"url"`
	Database              string   `json:"database,omitempty"`
	Username              string   `json:"username,omitempty"`
	Password              string   `json:"password,omitempty"`
	Domain                string   `json:"domain,omitempty"`
	APIKey                string   `json:"apiKey,omitempty"`
	TransitiveReplication bool     `json:"transitiveReplication,omitempty"`
	KeyPatterns           []string `json:"keyPatterns,omitempty"`
	EachN                 int64    `json:"eachN,omitempty"`
	EachS                 int64    `json:"eachS,omitempty"`
}

// DestinationRegistry reads the replication-destinations document on
// demand (C1). It is re-read fresh on every scheduler cycle (spec §3:
// "configuration is hot-reloadable") and only tracks enough state to warn
// once about an absent document (scenario S1).
type DestinationRegistry struct {
	warnedEmpty bool
}

// NewDestinationRegistry returns a registry with no prior warn state.
func NewDestinationRegistry() *DestinationRegistry {
	return &DestinationRegistry{}
}

// Load reads the replication-destinations document and returns a typed
// snapshot of destinations (spec §4.1). Absence or an undeserializable
// document yields an empty list, warned once; individual malformed entries
// are skipped without disabling the rest.
func (r *DestinationRegistry) Load(s store.Store) []Destination {
	data, _, found, err := s.Get(destinationsDocumentKey)
	if err != nil {
		corvidlog.Error("failed to read replication destinations document: %v", err)
		return nil
	}
	if !found {
		r.warnEmptyOnce("no replication destinations configured")
		return nil
	}

	var doc destinationsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		r.warnEmptyOnce("replication destinations document is not valid JSON: " + err.Error())
		return nil
	}

	destinations := make([]Destination, 0, len(doc.Destinations))
	for _, e := range doc.Destinations {
		d, err := toDestination(e)
		if err != nil {
			corvidlog.Error("skipping malformed destination entry %q: %v", e.URL, err)
			continue
		}
		destinations = append(destinations, d)
	}

	if len(destinations) > 0 {
		r.warnedEmpty = false
	}
	return destinations
}

func (r *DestinationRegistry) warnEmptyOnce(msg string) {
	if r.warnedEmpty {
		return
	}
	corvidlog.Warn(msg)
	r.warnedEmpty = true
}

func toDestination(e destinationEntry) (Destination, error) {
	if e.URL == "" {
		return Destination{}, errMissingURL
	}
	return Destination{
		URL:      e.URL,
		Database: e.Database,
		Credentials: Credentials{
			Username: e.Username,
			Password: e.Password,
			Domain:   e.Domain,
			APIKey:   e.APIKey,
		},
		TransitiveReplication: e.TransitiveReplication,
		Filter: FilterRule{
			KeyPatterns: e.KeyPatterns,
			EachN:       e.EachN,
			EachS:       e.EachS,
		},
	}, nil
}
