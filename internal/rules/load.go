// internal/rules/load.go
package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/solatis/scankeeper/internal/types"
)

/*
 * RuleSet loading from YAML.
 *
 * A rule file holds one or more YAML documents separated by "---"; each
 * document is one RuleSet. LoadRuleSets walks a directory (recursively) for
 * *.yaml and *.yml files in lexical order. A broken file does not stop the
 * others from loading: every failure is returned in one multierr next to
 * the RuleSets that did load.
 */

// ParseRuleSets decodes every YAML document in data and compiles it.
func ParseRuleSets(data []byte) ([]*types.RuleSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []*types.RuleSet
	var errs error
	for i := 0; ; i++ {
		var doc map[string]any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, multierr.Append(errs, fmt.Errorf("document %d: %w", i, err))
		}
		if doc == nil {
			continue
		}
		rs, err := Compile(doc)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("document %d: %w", i, err))
			continue
		}
		out = append(out, rs)
	}
	if len(out) == 0 && errs == nil {
		return nil, types.ErrEmptyDocument
	}
	return out, errs
}

// LoadRuleSet reads one rule file. It fails unless the file holds exactly one
// RuleSet.
func LoadRuleSet(fs afero.Fs, path string) (*types.RuleSet, error) {
	sets, err := LoadFile(fs, path)
	if err != nil {
		return nil, err
	}
	if len(sets) != 1 {
		return nil, fmt.Errorf("%s: expected one rule set, found %d", path, len(sets))
	}
	return sets[0], nil
}

// LoadFile reads every RuleSet in one rule file.
func LoadFile(fs afero.Fs, path string) ([]*types.RuleSet, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	sets, err := ParseRuleSets(data)
	if err != nil {
		return sets, fmt.Errorf("%s: %w", path, err)
	}
	return sets, nil
}

// LoadRuleSets loads every rule file under dir. path may also name a single
// file.
func LoadRuleSets(fs afero.Fs, dir string) ([]*types.RuleSet, error) {
	info, err := fs.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return LoadFile(fs, dir)
	}

	var files []string
	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if fi.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(files)

	var out []*types.RuleSet
	var errs error
	for _, f := range files {
		sets, err := LoadFile(fs, f)
		out = append(out, sets...)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	logger.WithFields(log.Fields{"dir": dir, "files": len(files), "rule_sets": len(out)}).Debug("loaded rule sets")
	return out, errs
}
