package invoker

import (
	"context"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/solatis/scankeeper/internal/rules"
	"github.com/solatis/scankeeper/internal/types"
)

/*
 * Recorded responses.
 *
 * A fixture file maps each service to the responses its actions return:
 *
 *   services:
 *     s3:
 *       - action: list_buckets
 *         response: {Buckets: [{Name: b1}]}
 *       - action: get_bucket_encryption
 *         params: {Bucket: b1}
 *         error: {code: ServerSideEncryptionConfigurationNotFoundError, message: not found}
 *
 * An entry matches when its action is equal and every param it names equals
 * the call's param (compared as strings). Entries are tried in file order;
 * the first match wins, so put specific entries before catch-alls.
 */

// FixtureError is a recorded failure.
type FixtureError struct {
	Code      string `yaml:"code"`
	Message   string `yaml:"message"`
	Retryable bool   `yaml:"retryable"`
}

// FixtureEntry is one recorded call.
type FixtureEntry struct {
	Action   string         `yaml:"action"`
	Params   map[string]any `yaml:"params"`
	Response any            `yaml:"response"`
	Error    *FixtureError  `yaml:"error"`
}

// FixtureSet holds the recorded calls of every service in a fixture file.
type FixtureSet struct {
	Services map[string][]FixtureEntry `yaml:"services"`
}

// LoadFixtures reads a fixture file.
func LoadFixtures(fs afero.Fs, path string) (*FixtureSet, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	return ParseFixtures(data)
}

// ParseFixtures decodes fixture YAML.
func ParseFixtures(data []byte) (*FixtureSet, error) {
	var set FixtureSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	for service, entries := range set.Services {
		for i, e := range entries {
			if e.Action == "" {
				return nil, fmt.Errorf("fixture %s[%d]: %w", service, i, types.ErrMissingAction)
			}
		}
	}
	return &set, nil
}

// ServiceNames returns the services with recorded calls, sorted.
func (s *FixtureSet) ServiceNames() []string {
	names := make([]string, 0, len(s.Services))
	for name := range s.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoker returns the invoker replaying service's recorded calls. A service
// without entries yields an invoker that fails every call.
func (s *FixtureSet) Invoker(service string) *FixtureInvoker {
	return &FixtureInvoker{service: service, entries: s.Services[service]}
}

// FixtureInvoker replays recorded calls for one service.
type FixtureInvoker struct {
	service string
	entries []FixtureEntry
}

// NewFixtureInvoker creates an invoker over entries.
func NewFixtureInvoker(service string, entries []FixtureEntry) *FixtureInvoker {
	return &FixtureInvoker{service: service, entries: entries}
}

// Invoke returns the first matching recorded response or error.
func (f *FixtureInvoker) Invoke(_ context.Context, action string, params map[string]any) (any, error) {
	for i := range f.entries {
		e := &f.entries[i]
		if e.Action != action || !paramsMatch(e.Params, params) {
			continue
		}
		if e.Error != nil {
			return nil, &types.CallError{
				Action:    action,
				Code:      e.Error.Code,
				Message:   e.Error.Message,
				Retryable: e.Error.Retryable,
			}
		}
		return e.Response, nil
	}
	logger.WithFields(log.Fields{"service": f.service, "action": action}).Debug("no fixture matched")
	return nil, &types.CallError{
		Action:  action,
		Code:    "NoFixture",
		Message: fmt.Sprintf("no recorded response for %s %s", f.service, action),
		Err:     types.ErrNoFixture,
	}
}

// Identity partitions the cache per service.
func (f *FixtureInvoker) Identity() []string {
	return []string{"fixture", f.service}
}

func paramsMatch(want, got map[string]any) bool {
	for k, v := range want {
		actual, ok := got[k]
		if !ok || rules.Stringify(actual) != rules.Stringify(v) {
			return false
		}
	}
	return true
}
